// Package status defines ceremony lifecycle events and the observers that
// receive them.
package status

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Action names the ceremony kind an event belongs to.
type Action string

const (
	ActionKeygen Action = "keygen_status"
	ActionSign   Action = "sign_status"
)

// Status is the lifecycle state reported in an event.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether no further events follow s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusTimeout
}

// Event is one lifecycle notification.
type Event struct {
	Action        Action            `json:"action"`
	RoomID        string            `json:"room_id"`
	OwnerID       string            `json:"user_id,omitempty"`
	KeyID         string            `json:"key_id,omitempty"`
	Status        Status            `json:"status"`
	ActiveIndexes []wire.PartyIndex `json:"active_indexes"`
	Result        *string           `json:"result"`
}

// Observer receives ceremony events. Notify is called synchronously from the
// ceremony; a returned error is logged and never alters the outcome.
type Observer interface {
	Notify(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

// Notify implements Observer.
func (f ObserverFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards events.
var Nop Observer = ObserverFunc(func(context.Context, Event) error { return nil })

// Multi fans an event out to several observers. Every observer is called
// even when an earlier one fails; the first error is returned.
type Multi []Observer

// Notify implements Observer.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, o := range m {
		if o == nil {
			continue
		}
		if err := o.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Logger writes every event to a zerolog logger.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a logging observer.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "tss_status").Logger()}
}

// Notify implements Observer.
func (l *Logger) Notify(_ context.Context, ev Event) error {
	e := l.logger.Info()
	if ev.Status == StatusError || ev.Status == StatusTimeout {
		e = l.logger.Warn()
	}
	e = e.Str("action", string(ev.Action)).
		Str("room_id", ev.RoomID).
		Str("status", string(ev.Status)).
		Interface("active_indexes", ev.ActiveIndexes)
	if ev.Result != nil {
		e = e.Str("result", *ev.Result)
	}
	e.Msg("ceremony status")
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Observer.
func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ActiveIndexes = append([]wire.PartyIndex(nil), ev.ActiveIndexes...)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Statuses returns the recorded statuses in order.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// StringPtr is a helper for Event.Result.
func StringPtr(s string) *string {
	return &s
}
