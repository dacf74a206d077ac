// Package notify delivers recording events to the UI and other listeners.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types
const (
	TypeError          = "error"
	TypeVideoSaved     = "video-saved"
	TypeRecordingState = "recording-state"
)

// Recording states carried by RecordingState events
const (
	StateIdle      = "idle"
	StateRecording = "recording"
	StateFinishing = "finishing"
)

// Event is the wire form of a notification
type Event struct {
	Type        string    `json:"type"`
	Message     string    `json:"message,omitempty"`
	Path        string    `json:"path,omitempty"`
	State       string    `json:"state,omitempty"`
	RecordingID string    `json:"recording_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier receives recording events. Implementations must not block the
// caller for long; the capture loop calls them between frames.
type Notifier interface {
	Error(message string)
	VideoSaved(path string)
	RecordingState(state, recordingID string)
}

// Multi fans events out to several notifiers
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewMulti creates a fan-out over ns
func NewMulti(ns ...Notifier) *Multi {
	return &Multi{notifiers: ns}
}

// Add registers another notifier
func (m *Multi) Add(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

func (m *Multi) each(fn func(Notifier)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifiers {
		fn(n)
	}
}

func (m *Multi) Error(message string) {
	m.each(func(n Notifier) { n.Error(message) })
}

func (m *Multi) VideoSaved(path string) {
	m.each(func(n Notifier) { n.VideoSaved(path) })
}

func (m *Multi) RecordingState(state, recordingID string) {
	m.each(func(n Notifier) { n.RecordingState(state, recordingID) })
}

// LogNotifier writes events to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notify"))}
}

func (l *LogNotifier) Error(message string) {
	l.logger.Error("Recording error", zap.String("message", message))
}

func (l *LogNotifier) VideoSaved(path string) {
	l.logger.Info("Video saved", zap.String("path", path))
}

func (l *LogNotifier) RecordingState(state, recordingID string) {
	l.logger.Info("Recording state changed",
		zap.String("state", state),
		zap.String("recording_id", recordingID))
}

// Collector keeps events in memory; tests use it to observe notifications
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (r *Collector) add(ev Event) {
	ev.Timestamp = time.Now()
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Collector) Error(message string) {
	r.add(Event{Type: TypeError, Message: message})
}

func (r *Collector) VideoSaved(path string) {
	r.add(Event{Type: TypeVideoSaved, Path: path})
}

func (r *Collector) RecordingState(state, recordingID string) {
	r.add(Event{Type: TypeRecordingState, State: state, RecordingID: recordingID})
}

// Events returns a copy of the recorded events
func (r *Collector) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type typ
func (r *Collector) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
