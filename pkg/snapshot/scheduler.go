package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	"github.com/ldaptoid/ldaptoid/pkg/allocator"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
	"github.com/ldaptoid/ldaptoid/pkg/mapstore"
)

// Scheduler defaults.
const (
	DefaultRefreshInterval   = 5 * time.Minute
	DefaultMaxBackoff        = 10 * time.Minute
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetries        = 10
)

// FetchFunc produces one round of adapter output. The wiring composes
// the IdP adapter with the token cache (see NewSource).
type FetchFunc func(ctx context.Context) ([]idp.User, []idp.Group, error)

// SchedulerMetrics receives refresh observability events. Nil disables
// collection.
type SchedulerMetrics interface {
	RecordRefresh(success bool, duration time.Duration)
}

// SchedulerConfig tunes the refresh cycle.
type SchedulerConfig struct {
	Interval          time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	MaxRetries        int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultRefreshInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Scheduler drives repeated snapshot builds and owns the published
// "current snapshot" pointer. The pointer swap is atomic; readers that
// hold the previous snapshot keep reading it to completion.
type Scheduler struct {
	cfg     SchedulerConfig
	fetch   FetchFunc
	builder *Builder
	store   mapstore.Store // nil when persistence is disabled
	metrics SchedulerMetrics

	current atomic.Pointer[directory.Snapshot]

	// buildMu ensures at most one build runs at a time, including force
	// refreshes. It also guards the persisted-key set and the failure
	// counter.
	buildMu   sync.Mutex
	persisted map[string]bool
	failures  int

	halted   atomic.Bool
	degraded atomic.Bool
}

// NewScheduler wires a scheduler. store may be nil.
func NewScheduler(cfg SchedulerConfig, fetch FetchFunc, builder *Builder, store mapstore.Store, metrics SchedulerMetrics) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:       cfg,
		fetch:     fetch,
		builder:   builder,
		store:     store,
		metrics:   metrics,
		persisted: make(map[string]bool),
	}
}

// Current returns the latest published snapshot, or nil before the first
// successful build.
func (s *Scheduler) Current() *directory.Snapshot {
	return s.current.Load()
}

// Ready reports whether a snapshot has ever been published. Drives the
// readiness probe.
func (s *Scheduler) Ready() bool {
	return s.current.Load() != nil
}

// Healthy reports whether the refresh loop is still alive. Drives the
// liveness probe: false only after MaxRetries consecutive failures.
func (s *Scheduler) Healthy() bool {
	return !s.halted.Load()
}

// PersistenceDegraded reports whether the last mapping-store interaction
// failed. Never fatal; surfaced on the health endpoint.
func (s *Scheduler) PersistenceDegraded() bool {
	return s.degraded.Load()
}

// MarkPersistenceDegraded flags degraded persistence from the outside,
// e.g. when the store was configured but unreachable at startup.
func (s *Scheduler) MarkPersistenceDegraded() {
	s.degraded.Store(true)
}

// Seed imports persisted id assignments into the allocators. Called once
// before Run; a store failure leaves the process on in-memory allocation
// and flags degraded persistence.
func (s *Scheduler) Seed(ctx context.Context) {
	if s.store == nil {
		return
	}
	records, err := s.store.List(ctx)
	if err != nil {
		logger.Warn("mapping store seed failed; continuing with in-memory allocation",
			logger.KeyError, err)
		s.degraded.Store(true)
		return
	}

	var uidEntries, gidEntries []allocator.Entry
	for key, rec := range records {
		switch {
		case strings.HasPrefix(key, KeyPrefixUser) && rec.UID > 0:
			uidEntries = append(uidEntries, allocator.Entry{Key: key, ID: rec.UID})
		case (strings.HasPrefix(key, KeyPrefixGroup) || strings.HasPrefix(key, KeyPrefixSynthetic)) && rec.GID > 0:
			gidEntries = append(gidEntries, allocator.Entry{Key: key, ID: rec.GID})
		}
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	importEntries(s.builder.UID, uidEntries)
	importEntries(s.builder.GID, gidEntries)
	for key := range records {
		s.persisted[key] = true
	}
	logger.Info("allocators seeded from mapping store",
		"uids", len(uidEntries), "gids", len(gidEntries))
}

// Run drives the refresh loop until the context is cancelled or the
// failure budget is exhausted. The first build starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := time.Duration(0)
	backoff := time.Duration(0)

	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		err := s.refreshOnce(ctx)
		switch {
		case err == nil:
			backoff = 0
			delay = s.cfg.Interval

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()

		default:
			s.buildMu.Lock()
			failures := s.failures
			s.buildMu.Unlock()

			if failures >= s.cfg.MaxRetries {
				logger.Error("refresh halted after consecutive failures",
					logger.KeyAttempt, failures, logger.KeyError, err)
				s.halted.Store(true)
				return nil
			}

			if backoff == 0 {
				backoff = s.cfg.Interval
			} else {
				backoff = time.Duration(float64(backoff) * s.cfg.BackoffMultiplier)
			}
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			delay = backoff
			logger.Warn("refresh failed; backing off",
				logger.KeyAttempt, failures,
				logger.KeyBackoff, delay,
				logger.KeyError, err)
		}
	}
}

// ForceRefresh runs one build synchronously. It bypasses the backoff
// clock but not the build lock: at most one build runs at a time.
func (s *Scheduler) ForceRefresh(ctx context.Context) error {
	return s.refreshOnce(ctx)
}

// refreshOnce performs one fetch-build-publish cycle under the build
// lock. A failure never replaces the current snapshot.
func (s *Scheduler) refreshOnce(ctx context.Context) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	start := time.Now()
	users, groups, err := s.fetch(ctx)
	if err != nil {
		s.failures++
		if s.metrics != nil {
			s.metrics.RecordRefresh(false, time.Since(start))
		}
		return err
	}

	snap, err := s.builder.Build(users, groups)
	if err != nil {
		s.failures++
		if s.metrics != nil {
			s.metrics.RecordRefresh(false, time.Since(start))
		}
		return err
	}

	s.persistNewAllocations(ctx, snap.GeneratedAt)
	s.current.Store(snap)
	s.failures = 0
	if s.metrics != nil {
		s.metrics.RecordRefresh(true, time.Since(start))
	}
	logger.Info("snapshot published",
		logger.KeySequence, snap.Sequence,
		logger.KeyUsers, len(snap.Users),
		logger.KeyGroups, len(snap.Groups),
		logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0)
	return nil
}

// persistNewAllocations writes allocations the store has not seen yet.
// Failures degrade persistence but never fail the build. Called with
// buildMu held.
func (s *Scheduler) persistNewAllocations(ctx context.Context, ts time.Time) {
	if s.store == nil {
		return
	}
	var failed bool
	for _, e := range s.builder.UID.Export() {
		if s.persisted[e.Key] {
			continue
		}
		if err := s.store.Put(ctx, e.Key, mapstore.Record{UID: e.ID, Timestamp: ts}); err != nil {
			logger.Warn("persisting uid mapping failed",
				logger.KeyMappingKey, e.Key, logger.KeyError, err)
			failed = true
			continue
		}
		s.persisted[e.Key] = true
	}
	for _, e := range s.builder.GID.Export() {
		if s.persisted[e.Key] {
			continue
		}
		if err := s.store.Put(ctx, e.Key, mapstore.Record{GID: e.ID, Timestamp: ts}); err != nil {
			logger.Warn("persisting gid mapping failed",
				logger.KeyMappingKey, e.Key, logger.KeyError, err)
			failed = true
			continue
		}
		s.persisted[e.Key] = true
	}
	s.degraded.Store(failed)
}

// importEntries seeds one allocator, logging conflicts without failing.
func importEntries(a *allocator.Allocator, entries []allocator.Entry) {
	if len(entries) == 0 {
		return
	}
	if err := a.Import(entries); err != nil {
		logger.Warn("allocator import reported conflicts", logger.KeyError, err)
	}
}
