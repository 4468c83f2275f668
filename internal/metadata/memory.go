package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps channels in process. Attach always misses; the hub's
// live map and archive cover readers on the same instance.
type MemoryBackend struct{}

func (MemoryBackend) Open(_ context.Context, runID string) (Channel, error) {
	return NewMemoryChannel(runID), nil
}

func (MemoryBackend) Attach(context.Context, string) (Channel, error) {
	return nil, ErrRunNotFound
}

type MemoryChannel struct {
	mu    sync.Mutex
	state Snapshot
	subs  map[*subscriber]struct{}
}

func NewMemoryChannel(runID string) *MemoryChannel {
	return &MemoryChannel{
		state: Snapshot{RunID: runID, Entries: map[string]json.RawMessage{}, UpdatedAt: time.Now().UTC()},
		subs:  map[*subscriber]struct{}{},
	}
}

// publish must be called with c.mu held.
func (c *MemoryChannel) publish(ev Event) {
	c.state.UpdatedAt = time.Now().UTC()
	for s := range c.subs {
		s.push(ev)
	}
}

func (c *MemoryChannel) SetStatus(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Done {
		return ErrClosed
	}
	c.state.Status = name
	c.publish(Event{Kind: EventStatus, Status: name})
	return nil
}

func (c *MemoryChannel) SetEntry(_ context.Context, key string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Done {
		return ErrClosed
	}
	c.state.Entries[key] = raw
	c.publish(Event{Kind: EventEntry, Key: key, Value: raw})
	return nil
}

func (c *MemoryChannel) AppendStreamToken(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Done {
		return ErrClosed
	}
	c.state.Tokens = append(c.state.Tokens, token)
	c.publish(Event{Kind: EventToken, Token: token})
	return nil
}

func (c *MemoryChannel) Snapshot(context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone(), nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context) (<-chan Event, error) {
	s := newSubscriber()
	c.mu.Lock()
	for _, ev := range c.state.replay() {
		s.push(ev)
	}
	if c.state.Done {
		s.finish()
	} else {
		c.subs[s] = struct{}{}
	}
	c.mu.Unlock()

	go s.pump(ctx, func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
	})
	return s.out, nil
}

func (c *MemoryChannel) Close(_ context.Context, outcome string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Done {
		return ErrClosed
	}
	c.state.Done = true
	c.state.Outcome = outcome
	c.publish(Event{Kind: EventDone, Outcome: outcome})
	for s := range c.subs {
		s.finish()
	}
	c.subs = map[*subscriber]struct{}{}
	return nil
}

// subscriber buffers events without bound so a slow reader never blocks the writer.
type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	finished bool
	signal   chan struct{}
	out      chan Event
}

func newSubscriber() *subscriber {
	return &subscriber{signal: make(chan struct{}, 1), out: make(chan Event)}
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) pump(ctx context.Context, onExit func()) {
	defer close(s.out)
	defer onExit()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}
