// Package metadata implements the per-run progress channel: a last-write-wins
// key/value map plus an append-only token stream, readable live by subscribers.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrRunNotFound = errors.New("run not found")
	// ErrClosed is returned for writes after the channel reached a terminal outcome.
	ErrClosed   = errors.New("run channel closed")
	ErrReadOnly = errors.New("run channel is read-only")
)

// Well-known entry keys.
const (
	EntrySources  = "sources"
	EntryProducts = "products"
	EntryAnswer   = "answer"
)

type EventKind string

const (
	EventStatus EventKind = "status"
	EventEntry  EventKind = "entry"
	EventToken  EventKind = "token"
	EventDone   EventKind = "done"
)

type Event struct {
	Kind    EventKind       `json:"kind"`
	Status  string          `json:"status,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Token   string          `json:"token,omitempty"`
	Outcome string          `json:"outcome,omitempty"`
}

// Snapshot is the current projection of a run's progress.
type Snapshot struct {
	RunID     string                     `json:"run_id"`
	Status    string                     `json:"status"`
	Entries   map[string]json.RawMessage `json:"entries"`
	Tokens    []string                   `json:"tokens"`
	Outcome   string                     `json:"outcome,omitempty"`
	Done      bool                       `json:"done"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Text joins the streamed tokens.
func (s Snapshot) Text() string { return strings.Join(s.Tokens, "") }

func (s Snapshot) clone() Snapshot {
	out := s
	out.Entries = make(map[string]json.RawMessage, len(s.Entries))
	for k, v := range s.Entries {
		out.Entries[k] = append(json.RawMessage(nil), v...)
	}
	out.Tokens = append([]string(nil), s.Tokens...)
	return out
}

// replay expands a snapshot into the event sequence that reproduces it.
func (s Snapshot) replay() []Event {
	events := make([]Event, 0, 2+len(s.Entries)+len(s.Tokens))
	if s.Status != "" {
		events = append(events, Event{Kind: EventStatus, Status: s.Status})
	}
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		events = append(events, Event{Kind: EventEntry, Key: k, Value: s.Entries[k]})
	}
	for _, tok := range s.Tokens {
		events = append(events, Event{Kind: EventToken, Token: tok})
	}
	if s.Done {
		events = append(events, Event{Kind: EventDone, Outcome: s.Outcome})
	}
	return events
}

// Channel is the writer and reader surface of one run's progress.
type Channel interface {
	SetStatus(ctx context.Context, name string) error
	SetEntry(ctx context.Context, key string, value any) error
	AppendStreamToken(ctx context.Context, token string) error
	Snapshot(ctx context.Context) (Snapshot, error)
	// Subscribe replays the current state and then delivers live events in write
	// order. The channel is closed after the done event or when ctx ends.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close(ctx context.Context, outcome string) error
}

// Backend creates channels for new runs and re-attaches to runs written elsewhere.
type Backend interface {
	Open(ctx context.Context, runID string) (Channel, error)
	Attach(ctx context.Context, runID string) (Channel, error)
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
