// Package audit provides an append-only sink for security events. Emission
// never blocks the primary operation: events flow through a bounded buffer
// and are dropped (and counted) when the sink cannot keep up.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the session authority.
const (
	EventLoginSuccess    = "login.success"
	EventLoginFailure    = "login.failure"
	EventAccountLocked   = "login.locked"
	EventRateLimited     = "login.rate_limited"
	EventLogout          = "session.logout"
	EventHijackDetected  = "session.hijack_detected"
	EventSessionTimeout  = "session.timeout"
	EventSessionRotated  = "session.rotated"
	EventSessionRevoked  = "session.revoked"
	EventRememberResumed = "session.remember_resumed"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Sink receives audit events. Implementations must tolerate failure without
// reporting it to the emitting request path.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, event Event) {
	slog.Info("audit event",
		slog.String("event_id", event.ID),
		slog.String("type", event.Type),
		slog.String("user_id", event.UserID),
		slog.String("session_id", event.SessionID),
		slog.String("ip", event.IP),
		slog.String("reason", event.Reason),
	)
}

// Dispatcher decouples emitters from the sink through a buffered channel.
// Emit is safe from any goroutine and returns immediately.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher draining into sink. bufferSize bounds
// the number of in-flight events.
func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if sink == nil {
		sink = NopSink{}
	}

	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues an event, assigning ID and timestamp when unset. A full
// buffer drops the event rather than stalling the caller.
func (d *Dispatcher) Emit(event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops the dispatcher after draining buffered events.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}
