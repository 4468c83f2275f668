// Package reaper fails runs that stopped making progress, e.g. because the
// process driving them died. A redis lock keeps concurrent instances from
// sweeping at the same time.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/pipeline"
	"github.com/mohammad-safakhou/vooli/internal/store"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
)

const (
	lockKey   = "vooli:reaper:lock"
	batchSize = 100
	reason    = "run timed out"
)

type RunStore interface {
	ListStaleRuns(ctx context.Context, before time.Time, limit uint64) ([]store.Run, error)
	FinishRun(ctx context.Context, runID, stage, outcome string, errMsg *string, swallowed int) error
	UpdateMessageContent(ctx context.Context, messageID, content string) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker is a SETNX lock.
type RedisLocker struct {
	Rdb *redis.Client
}

func (l RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (l RedisLocker) Release(ctx context.Context, key string) error {
	return l.Rdb.Del(ctx, key).Err()
}

type Reaper struct {
	store      RunStore
	locker     Locker
	expr       *cronexpr.Expression
	staleAfter time.Duration
	lockTTL    time.Duration
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// New parses the schedule; staleAfter is normally pipeline.run_timeout.
// A nil locker sweeps without coordination.
func New(cfg config.ReaperConfig, staleAfter time.Duration, st RunStore, locker Locker, logger *zap.Logger, metrics *telemetry.Metrics) (*Reaper, error) {
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("reaper.schedule: %w", err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Reaper{
		store:      st,
		locker:     locker,
		expr:       expr,
		staleAfter: staleAfter,
		lockTTL:    lockTTL,
		logger:     logger.Named("reaper"),
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// Start sweeps on every schedule tick until ctx ends.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		for {
			next := r.expr.Next(r.now())
			if next.IsZero() {
				r.logger.Warn("schedule has no future ticks; reaper stopped")
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sweep fails every open run idle longer than the stale threshold and
// returns how many it closed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, lockKey, r.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			r.logger.Debug("another instance holds the reaper lock")
			return 0, nil
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), lockKey); err != nil {
				r.logger.Warn("release lock failed", zap.Error(err))
			}
		}()
	}

	runs, err := r.store.ListStaleRuns(ctx, r.now().Add(-r.staleAfter), batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	msg := reason
	reaped := 0
	for _, run := range runs {
		log := r.logger.With(zap.String("run_id", run.ID), zap.String("stage", run.Stage))
		if err := r.store.FinishRun(ctx, run.ID, run.Stage, string(pipeline.OutcomeFailed), &msg, run.Swallowed); err != nil {
			log.Error("fail stale run", zap.Error(err))
			continue
		}
		if run.MessageID != "" {
			if err := r.store.UpdateMessageContent(ctx, run.MessageID, pipeline.ApologyNoResponse); err != nil {
				log.Warn("update placeholder", zap.Error(err))
			}
		}
		reaped++
		log.Info("reaped stale run")
	}
	r.metrics.Reaped(reaped)
	return reaped, nil
}
