package metadata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mohammad-safakhou/vooli/internal/telemetry"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Hub owns the channels of runs executing on this instance and keeps the
// frozen snapshot of every run it closed, so terminal reads never change.
type Hub struct {
	backend Backend
	archive *cache.Cache
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu   sync.RWMutex
	live map[string]Channel
}

func NewHub(backend Backend, archiveTTL time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *Hub {
	if archiveTTL <= 0 {
		archiveTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		backend: backend,
		archive: cache.New(archiveTTL, archiveTTL/2),
		logger:  logger.Named("metadata"),
		metrics: metrics,
		live:    map[string]Channel{},
	}
}

// Open creates the writer side of a run's channel. Closing the returned
// channel freezes and archives its snapshot.
func (h *Hub) Open(ctx context.Context, runID string) (Channel, error) {
	ch, err := h.backend.Open(ctx, runID)
	if err != nil {
		return nil, err
	}
	hc := &hubChannel{Channel: ch, hub: h, runID: runID}
	h.mu.Lock()
	h.live[runID] = hc
	h.mu.Unlock()
	return hc, nil
}

func (h *Hub) lookup(ctx context.Context, runID string) (Channel, *Snapshot, error) {
	h.mu.RLock()
	ch, ok := h.live[runID]
	h.mu.RUnlock()
	if ok {
		return ch, nil, nil
	}
	if v, ok := h.archive.Get(runID); ok {
		snap := v.(Snapshot)
		return nil, &snap, nil
	}
	ch, err := h.backend.Attach(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return ch, nil, nil
}

// Snapshot returns the current projection of runID.
func (h *Hub) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	ch, frozen, err := h.lookup(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	if frozen != nil {
		return frozen.clone(), nil
	}
	return ch.Snapshot(ctx)
}

// Subscribe streams runID's events; terminal runs replay their frozen snapshot.
func (h *Hub) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	ch, frozen, err := h.lookup(ctx, runID)
	if err != nil {
		return nil, err
	}
	var src <-chan Event
	if frozen != nil {
		src = replayChannel(ctx, frozen.replay())
	} else if src, err = ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	h.metrics.SubscriberOpened()
	out := make(chan Event)
	go func() {
		defer h.metrics.SubscriberClosed()
		defer close(out)
		for ev := range src {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *Hub) freeze(ctx context.Context, runID, outcome string, ch Channel) {
	snap, err := ch.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("snapshot on close failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		snap.Done, snap.Outcome = true, outcome
		h.archive.SetDefault(runID, snap.clone())
	}
	h.mu.Lock()
	delete(h.live, runID)
	h.mu.Unlock()
}

type hubChannel struct {
	Channel
	hub   *Hub
	runID string
}

func (c *hubChannel) Close(ctx context.Context, outcome string) error {
	if err := c.Channel.Close(ctx, outcome); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.hub.logger.Warn("close run channel failed", zap.String("run_id", c.runID), zap.Error(err))
	}
	c.hub.freeze(ctx, c.runID, outcome, c.Channel)
	return nil
}

func replayChannel(ctx context.Context, events []Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
