package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"stereo-recorder/config"
)

// MQTTEmitter publishes recording events to an MQTT broker. Events are
// queued so a slow broker never stalls the capture loop.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	logger *zap.Logger
	client mqtt.Client

	events chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu        sync.RWMutex
	published map[string]uint64
	dropped   uint64
	errors    uint64
	connected bool
}

// EmitterStats contains emitter statistics
type EmitterStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Dropped   uint64            `json:"dropped"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTEmitter creates an emitter with room for queueSize pending events
func NewMQTTEmitter(cfg config.MQTTConfig, queueSize int, logger *zap.Logger) *MQTTEmitter {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "mqtt")),
		events:    make(chan Event, queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection and starts publishing
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connection established",
			zap.String("broker", e.cfg.Broker),
			zap.String("client_id", e.cfg.ClientID))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", e.cfg.Broker),
			zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	e.logger.Info("Connecting to MQTT broker", zap.String("broker", e.cfg.Broker))

	token := client.Connect()
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.start(client)
	e.setConnected(true)
	return nil
}

// start begins publishing through client
func (e *MQTTEmitter) start(client mqtt.Client) {
	e.client = client
	go e.run()
}

func (e *MQTTEmitter) run() {
	defer close(e.done)
	for {
		select {
		case ev := <-e.events:
			e.publish(ev)
		case <-e.quit:
			// Flush what was queued before Close
			for {
				select {
				case ev := <-e.events:
					e.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) enqueue(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case <-e.quit:
		return
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn("MQTT event queue full, dropping event", zap.String("type", ev.Type))
	}
}

func (e *MQTTEmitter) Error(message string) {
	e.enqueue(Event{Type: TypeError, Message: message})
}

func (e *MQTTEmitter) VideoSaved(path string) {
	e.enqueue(Event{Type: TypeVideoSaved, Path: path})
}

func (e *MQTTEmitter) RecordingState(state, recordingID string) {
	e.enqueue(Event{Type: TypeRecordingState, State: state, RecordingID: recordingID})
}

// Topic returns the topic an event type is published on
func (e *MQTTEmitter) Topic(eventType string) string {
	suffix := eventType
	switch eventType {
	case TypeVideoSaved:
		suffix = "saved"
	case TypeRecordingState:
		suffix = "state"
	}
	return fmt.Sprintf("%s/%s", e.cfg.TopicPrefix, suffix)
}

func (e *MQTTEmitter) publish(ev Event) {
	if err := e.publishEvent(ev); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.logger.Warn("Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (e *MQTTEmitter) publishEvent(ev Event) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(ev.Type)
	token := e.client.Publish(topic, byte(e.cfg.QoS), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.Int("size", len(payload)))
	return nil
}

// Close flushes queued events and disconnects
func (e *MQTTEmitter) Close() error {
	e.once.Do(func() {
		close(e.quit)
		if e.client == nil {
			close(e.done)
			return
		}
		<-e.done
		if e.client.IsConnected() {
			e.client.Disconnect(250)
			e.logger.Info("MQTT disconnected")
		}
	})
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return EmitterStats{
		Connected: e.connected,
		Published: published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
