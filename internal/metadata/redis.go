package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryPrefix   = "entry:"
	readBlock     = 2 * time.Second
	readBatchSize = 256
)

// RedisBackend shares run channels across instances: the last-write-wins map
// lives in a hash and every write is appended to a stream subscribers XREAD.
type RedisBackend struct {
	client *redis.Client
	// ttl applies to both keys once the run is closed.
	ttl time.Duration
}

func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisBackend{client: client, ttl: ttl}
}

func metaKey(runID string) string   { return fmt.Sprintf("vooli:run:%s:meta", runID) }
func eventsKey(runID string) string { return fmt.Sprintf("vooli:run:%s:events", runID) }

func (b *RedisBackend) Open(ctx context.Context, runID string) (Channel, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := b.client.HSet(ctx, metaKey(runID), "run_id", runID, "updated_at", now).Err(); err != nil {
		return nil, fmt.Errorf("open run channel: %w", err)
	}
	// unclosed runs still expire eventually
	_ = b.client.Expire(ctx, metaKey(runID), 24*time.Hour).Err()
	return &RedisChannel{client: b.client, runID: runID, ttl: b.ttl}, nil
}

// Attach returns a read-only view of a run written by any instance.
func (b *RedisBackend) Attach(ctx context.Context, runID string) (Channel, error) {
	n, err := b.client.Exists(ctx, metaKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("attach run channel: %w", err)
	}
	if n == 0 {
		return nil, ErrRunNotFound
	}
	return &RedisChannel{client: b.client, runID: runID, ttl: b.ttl, readOnly: true}, nil
}

type RedisChannel struct {
	client   *redis.Client
	runID    string
	ttl      time.Duration
	readOnly bool

	mu     sync.Mutex
	closed bool
}

func (c *RedisChannel) writable() error {
	if c.readOnly {
		return ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// write sets the hash fields and appends the event atomically.
func (c *RedisChannel) write(ctx context.Context, ev Event, fields ...any) error {
	fields = append(fields, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe := c.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, metaKey(c.runID), fields...)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: eventsKey(c.runID), Values: eventValues(ev)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write run channel %s: %w", c.runID, err)
	}
	return nil
}

func (c *RedisChannel) SetStatus(ctx context.Context, name string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.write(ctx, Event{Kind: EventStatus, Status: name}, "status", name)
}

func (c *RedisChannel) SetEntry(ctx context.Context, key string, value any) error {
	if err := c.writable(); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	return c.write(ctx, Event{Kind: EventEntry, Key: key, Value: raw}, entryPrefix+key, string(raw))
}

func (c *RedisChannel) AppendStreamToken(ctx context.Context, token string) error {
	if err := c.writable(); err != nil {
		return err
	}
	return c.write(ctx, Event{Kind: EventToken, Token: token})
}

func (c *RedisChannel) Close(ctx context.Context, outcome string) error {
	if c.readOnly {
		return ErrReadOnly
	}
	// held across Exec so a failed close leaves the channel writable
	// and a concurrent close cannot emit a second done event
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, metaKey(c.runID), "outcome", outcome, "done", "1", "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: eventsKey(c.runID), Values: eventValues(Event{Kind: EventDone, Outcome: outcome})})
	pipe.Expire(ctx, metaKey(c.runID), c.ttl)
	pipe.Expire(ctx, eventsKey(c.runID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("close run channel %s: %w", c.runID, err)
	}
	c.closed = true
	return nil
}

func (c *RedisChannel) Snapshot(ctx context.Context) (Snapshot, error) {
	meta, err := c.client.HGetAll(ctx, metaKey(c.runID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read run meta: %w", err)
	}
	if len(meta) == 0 {
		return Snapshot{}, ErrRunNotFound
	}
	snap := Snapshot{RunID: c.runID, Entries: map[string]json.RawMessage{}}
	for field, v := range meta {
		switch {
		case field == "status":
			snap.Status = v
		case field == "outcome":
			snap.Outcome = v
		case field == "done":
			snap.Done = v == "1"
		case field == "updated_at":
			snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
		case strings.HasPrefix(field, entryPrefix):
			snap.Entries[strings.TrimPrefix(field, entryPrefix)] = json.RawMessage(v)
		}
	}
	msgs, err := c.client.XRange(ctx, eventsKey(c.runID), "-", "+").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read run events: %w", err)
	}
	for _, m := range msgs {
		if ev := decodeEvent(m.Values); ev.Kind == EventToken {
			snap.Tokens = append(snap.Tokens, ev.Token)
		}
	}
	return snap, nil
}

// Subscribe reads the event stream from its start, so replay and live delivery
// share one ordered source.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		lastID := "0-0"
		for {
			res, err := c.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventsKey(c.runID), lastID},
				Count:   readBatchSize,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return
			}
			for _, stream := range res {
				for _, m := range stream.Messages {
					lastID = m.ID
					ev := decodeEvent(m.Values)
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					if ev.Kind == EventDone {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func eventValues(ev Event) map[string]any {
	values := map[string]any{"kind": string(ev.Kind)}
	switch ev.Kind {
	case EventStatus:
		values["status"] = ev.Status
	case EventEntry:
		values["key"] = ev.Key
		values["value"] = string(ev.Value)
	case EventToken:
		values["token"] = ev.Token
	case EventDone:
		values["outcome"] = ev.Outcome
	}
	return values
}

func decodeEvent(values map[string]any) Event {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}
	ev := Event{Kind: EventKind(str("kind")), Status: str("status"), Key: str("key"), Token: str("token"), Outcome: str("outcome")}
	if v := str("value"); v != "" {
		ev.Value = json.RawMessage(v)
	}
	return ev
}
