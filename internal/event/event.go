// Package event defines the audit events emitted by ledgers and the registry
// and the sinks they fan out to (logger, journal, WebSocket stream).
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/model"
)

type Kind string

const (
	KindEnvironmentCreated Kind = "environment_created"
	KindOrderPlaced        Kind = "order_placed"
	KindPositionClosed     Kind = "position_closed"
	KindNameUpdated        Kind = "name_updated"
	KindDataFeedUpdated    Kind = "data_feed_updated"
	KindParameterChanged   Kind = "parameter_changed"
)

// Event is one committed state change. Only the fields relevant to Kind are
// populated.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Index     uint64    `json:"index,omitempty"`
	Ledger    string    `json:"ledger,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Size      string    `json:"size,omitempty"`
	DataFeed  string    `json:"data_feed,omitempty"`
	Name      string    `json:"name,omitempty"`
	Parameter string    `json:"parameter,omitempty"`
	Value     string    `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON always writes name for the kinds that carry one, so a rename to
// the empty string is not mistaken for an event without a name.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Kind != KindNameUpdated && e.Kind != KindEnvironmentCreated {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Name string `json:"name"`
	}{plain(e), e.Name})
}

func newEvent(kind Kind) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

func EnvironmentCreated(env model.Environment) Event {
	e := newEvent(KindEnvironmentCreated)
	e.Index = env.Index
	e.Ledger = env.Address.Hex()
	e.DataFeed = env.DataFeed.Hex()
	e.Name = env.Name
	return e
}

// OrderPlaced carries the resulting position, not the order size.
func OrderPlaced(ledger common.Address, p model.Position) Event {
	e := newEvent(KindOrderPlaced)
	e.Ledger = ledger.Hex()
	e.Symbol = p.Symbol
	e.Direction = p.Direction()
	e.Size = p.LeverageFactor.String()
	return e
}

func PositionClosed(ledger common.Address, symbol string) Event {
	e := newEvent(KindPositionClosed)
	e.Ledger = ledger.Hex()
	e.Symbol = symbol
	return e
}

func NameUpdated(index uint64, ledger common.Address, name string) Event {
	e := newEvent(KindNameUpdated)
	e.Index = index
	e.Ledger = ledger.Hex()
	e.Name = name
	return e
}

func DataFeedUpdated(index uint64, ledger, feed common.Address) Event {
	e := newEvent(KindDataFeedUpdated)
	e.Index = index
	e.Ledger = ledger.Hex()
	e.DataFeed = feed.Hex()
	return e
}

func ParameterChanged(parameter, value string) Event {
	e := newEvent(KindParameterChanged)
	e.Parameter = parameter
	e.Value = value
	return e
}

// Sink receives committed events. Emit must not block the caller for long;
// it runs while the emitting entity still holds its lock.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes each event as one structured log line.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	args := []any{"id", e.ID, "kind", string(e.Kind)}
	if e.Index != 0 {
		args = append(args, "index", e.Index)
	}
	if e.Ledger != "" {
		args = append(args, "ledger", e.Ledger)
	}
	if e.Symbol != "" {
		args = append(args, "symbol", e.Symbol, "direction", e.Direction, "size", e.Size)
	}
	if e.DataFeed != "" {
		args = append(args, "data_feed", e.DataFeed)
	}
	if e.Name != "" {
		args = append(args, "name", e.Name)
	}
	if e.Parameter != "" {
		args = append(args, "parameter", e.Parameter, "value", e.Value)
	}
	logger.Info("event", args...)
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
