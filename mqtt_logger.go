package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// logPublishTimeout paces the drain loop; a slow broker drops lines, not requests.
const logPublishTimeout = time.Second

// MqttLogWriter is an io.Writer for the slog handler that forwards every
// log line to "logs/<service>". Write only queues; Run does the publishing.
type MqttLogWriter struct {
	client  mqtt.Client
	topic   string
	lines   chan []byte
	dropped atomic.Uint64
}

// NewMqttLogWriter queues up to bufferSize lines before dropping.
func NewMqttLogWriter(client mqtt.Client, serviceName string, bufferSize int) *MqttLogWriter {
	return &MqttLogWriter{
		client: client,
		topic:  fmt.Sprintf("logs/%s", serviceName),
		lines:  make(chan []byte, bufferSize),
	}
}

// Write never blocks. When the queue is full the line is counted and dropped;
// stdout still has it.
func (w *MqttLogWriter) Write(p []byte) (int, error) {
	// slog reuses its buffer after Write returns.
	line := make([]byte, len(p))
	copy(line, p)

	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Run publishes queued lines until ctx is done, then flushes what is left.
func (w *MqttLogWriter) Run(ctx context.Context) {
	for {
		select {
		case line := <-w.lines:
			w.publish(line)
		case <-ctx.Done():
			w.flush()
			return
		}
	}
}

func (w *MqttLogWriter) flush() {
	for {
		select {
		case line := <-w.lines:
			w.publish(line)
		default:
			return
		}
	}
}

// publish cannot report failures through the logger it feeds.
func (w *MqttLogWriter) publish(line []byte) {
	w.client.Publish(w.topic, 0, false, line).WaitTimeout(logPublishTimeout)
}

// Dropped is the number of lines lost to a full queue.
func (w *MqttLogWriter) Dropped() uint64 {
	return w.dropped.Load()
}
