package main

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ReadingPublisher fans committed readings out to other consumers.
type ReadingPublisher interface {
	PublishReading(stored StoredReading) error
}

// MQTTPublisher publishes each committed reading as JSON to
// "<topicPrefix>/<DEVICE_EUI>".
type MQTTPublisher struct {
	client      mqtt.Client
	topicPrefix string
	timeout     time.Duration
}

func NewMQTTPublisher(client mqtt.Client, topicPrefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topicPrefix: topicPrefix, timeout: 2 * time.Second}
}

func (p *MQTTPublisher) PublishReading(stored StoredReading) error {
	if stored.DeviceEUI == nil {
		return nil
	}

	// Subscribers get the measurements; the raw body stays in PostgreSQL.
	stored.RawPayload = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode reading event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, *stored.DeviceEUI)
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// nopPublisher is used when no broker is configured.
type nopPublisher struct{}

func (nopPublisher) PublishReading(StoredReading) error { return nil }
