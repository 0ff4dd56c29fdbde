package main

import (
	"encoding/json"
	"time"
)

// Reading is one uplink after field extraction, ready for the store.
// Every measurement is a pointer: nil means the device did not report it,
// which is a valid and permanent state (stored as NULL).
type Reading struct {
	// DeviceEUI is nil when the uplink carried no identifier.
	DeviceEUI *string

	Temperature  *float64
	Humidity     *float64
	CO2Level     *float64
	BatteryLevel *float64

	// RawPayload is the request body exactly as it was received.
	RawPayload json.RawMessage
}

// StoredReading is a row of iot_readings as returned by the read API
// and published to MQTT after a successful insert.
type StoredReading struct {
	ID           int64           `json:"id"`
	DeviceEUI    *string         `json:"device_eui"`
	ReceivedAt   time.Time       `json:"received_at"`
	Temperature  *float64        `json:"temperature"`
	Humidity     *float64        `json:"humidity"`
	CO2Level     *float64        `json:"co2_level"`
	BatteryLevel *float64        `json:"battery_level"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
}

// SaveOutcome is the terminal state of one write attempt.
type SaveOutcome int

const (
	SaveFailed SaveOutcome = iota
	SaveCommitted
	// SaveIgnoredUnregistered means the registry has no such device.
	// The row is discarded but the webhook is still acknowledged.
	SaveIgnoredUnregistered
)

func (o SaveOutcome) String() string {
	switch o {
	case SaveCommitted:
		return "committed"
	case SaveIgnoredUnregistered:
		return "ignored_unregistered"
	default:
		return "failed"
	}
}

// SaveResult carries the outcome plus the columns assigned by the store.
type SaveResult struct {
	Outcome    SaveOutcome
	ID         int64
	ReceivedAt time.Time
}

// Stored builds the row view of a committed reading.
func (r SaveResult) Stored(reading Reading) StoredReading {
	return StoredReading{
		ID:           r.ID,
		DeviceEUI:    reading.DeviceEUI,
		ReceivedAt:   r.ReceivedAt,
		Temperature:  reading.Temperature,
		Humidity:     reading.Humidity,
		CO2Level:     reading.CO2Level,
		BatteryLevel: reading.BatteryLevel,
		RawPayload:   reading.RawPayload,
	}
}
