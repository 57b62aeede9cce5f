package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

// Emitter publishes events. Implementations never block on slow consumers
// and never fail the caller.
type Emitter interface {
	Emit(ctx context.Context, requestID string, data Payload)
}

// Sink receives fully built envelopes.
type Sink interface {
	Publish(ctx context.Context, ev Envelope) error
}

// Bus fans envelopes out to every sink. Sink errors are logged.
type Bus struct {
	sinks  []Sink
	logger *logging.Logger
	now    func() time.Time
}

// NewBus creates a bus over the given sinks.
func NewBus(logger *logging.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{sinks: sinks, logger: logger, now: time.Now}
}

// Emit wraps data in an envelope and publishes it to every sink.
func (b *Bus) Emit(ctx context.Context, requestID string, data Payload) {
	if data == nil {
		return
	}
	ev := Envelope{
		Type:      data.EventType(),
		RequestID: requestID,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	if sid := logging.SessionIDFromContext(ctx); sid != "" {
		ev.Metadata = map[string]string{"session_id": sid}
	}
	for _, s := range b.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.logger.Warn(ctx, "event sink publish failed",
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, string, Payload) {}

// LogSink writes each envelope as a debug log line.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Envelope) error {
	s.Logger.Debug(ctx, "event",
		zap.String("event_type", string(ev.Type)),
		zap.String("request_id", ev.RequestID),
		zap.Any("data", ev.Data),
	)
	return nil
}

// NATSSink publishes envelopes as JSON to <prefix>.<event_type>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink creates a sink on an open connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{conn: nc, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(t Type) string {
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Publish(_ context.Context, ev Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Recorder keeps envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Emit lets a Recorder stand in for a Bus.
func (r *Recorder) Emit(_ context.Context, requestID string, data Payload) {
	_ = r.Publish(context.Background(), Envelope{
		Type:      data.EventType(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded payloads of type t in order.
func (r *Recorder) OfType(t Type) []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payload
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev.Data)
		}
	}
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
