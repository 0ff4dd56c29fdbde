package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// devicePrefix is prepended by The Things Stack to generated device IDs.
// The dashboard registry stores the bare, uppercased EUI.
const devicePrefix = "eui-"

// ErrMalformedUplink is returned when the body cannot be read as an uplink.
var ErrMalformedUplink = errors.New("malformed uplink")

// UplinkVariant describes where one webhook integration keeps its fields.
// The two endpoints differ only in this data, never in code.
type UplinkVariant struct {
	Name string

	// DeviceIDField is the key inside end_device_ids holding the identifier.
	DeviceIDField string

	// Synonym keys per measurement, tried in order. First present one wins.
	Temperature []string
	Humidity    []string
	CO2         []string
	Battery     []string
}

// LegacyVariant serves /webhook (first TTS application).
var LegacyVariant = UplinkVariant{
	Name:          "legacy",
	DeviceIDField: "dev_eui",
	Temperature:   []string{"temperature", "temp", "t"},
	Humidity:      []string{"humidity", "hum", "rh"},
	CO2:           []string{"co2", "co2_level"},
	Battery:       []string{"battery", "bat"},
}

// CurrentVariant serves /webhook2 (second TTS application).
var CurrentVariant = UplinkVariant{
	Name:          "current",
	DeviceIDField: "device_id",
	Temperature:   []string{"temperature", "temp"},
	Humidity:      []string{"humidity", "hum"},
	CO2:           []string{"co2", "co2_level"},
	Battery:       []string{"battery", "bat"},
}

// NormalizeDeviceEUI strips the "eui-" prefix and uppercases the rest.
func NormalizeDeviceEUI(raw string) string {
	return strings.ToUpper(strings.TrimPrefix(raw, devicePrefix))
}

// ExtractReading turns a webhook body into a Reading using the variant's
// field layout. Missing measurements become nil, a missing identifier
// becomes nil as well; only a body that is not an uplink at all fails.
func ExtractReading(body []byte, variant UplinkVariant) (Reading, error) {
	// json.Unmarshal would replace bad bytes, raw_payload keeps them verbatim.
	if !utf8.Valid(body) {
		return Reading{}, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedUplink)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformedUplink, err)
	}

	ids, ok := doc["end_device_ids"].(map[string]any)
	if !ok {
		return Reading{}, fmt.Errorf("%w: end_device_ids missing or not an object", ErrMalformedUplink)
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)
	reading := Reading{RawPayload: raw}

	switch id := ids[variant.DeviceIDField].(type) {
	case nil:
	case string:
		if id != "" {
			eui := NormalizeDeviceEUI(id)
			reading.DeviceEUI = &eui
		}
	default:
		return Reading{}, fmt.Errorf("%w: end_device_ids.%s is %T, want string", ErrMalformedUplink, variant.DeviceIDField, id)
	}

	payload, err := decodedPayload(doc)
	if err != nil {
		return Reading{}, err
	}

	if reading.Temperature, err = firstValue(payload, variant.Temperature); err != nil {
		return Reading{}, err
	}
	if reading.Humidity, err = firstValue(payload, variant.Humidity); err != nil {
		return Reading{}, err
	}
	if reading.CO2Level, err = firstValue(payload, variant.CO2); err != nil {
		return Reading{}, err
	}
	if reading.BatteryLevel, err = firstValue(payload, variant.Battery); err != nil {
		return Reading{}, err
	}

	return reading, nil
}

// decodedPayload walks uplink_message.decoded_payload. Absent levels yield
// an empty map; levels of the wrong type are malformed.
func decodedPayload(doc map[string]any) (map[string]any, error) {
	uplink, err := optionalObject(doc, "uplink_message")
	if err != nil || uplink == nil {
		return nil, err
	}
	return optionalObject(uplink, "decoded_payload")
}

func optionalObject(parent map[string]any, key string) (map[string]any, error) {
	switch v := parent[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, want object", ErrMalformedUplink, key, v)
	}
}

// firstValue returns the value of the first synonym present with a non-null
// value. Zero is a real reading and is kept.
func firstValue(payload map[string]any, keys []string) (*float64, error) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return &n, nil
		case string:
			// some payload formatters emit numbers as strings
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: %s=%q is not a number", ErrMalformedUplink, key, n)
			}
			return &f, nil
		default:
			return nil, fmt.Errorf("%w: %s is %T, want number", ErrMalformedUplink, key, v)
		}
	}
	return nil, nil
}
