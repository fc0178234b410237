package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ldaptoid/ldaptoid/pkg/allocator"
	"github.com/ldaptoid/ldaptoid/pkg/idp/oauth"
	"github.com/ldaptoid/ldaptoid/pkg/metrics"
	"github.com/ldaptoid/ldaptoid/pkg/snapshot"
)

// allocatorMetrics is the Prometheus implementation of allocator.Metrics,
// labeled by allocator name so the UID and GID spaces stay separate.
type allocatorMetrics struct {
	collisions prometheus.Counter
	fallbacks  prometheus.Counter
	size       prometheus.Gauge
}

// NewAllocatorMetrics creates metrics for one allocator ("uid" or
// "gid"). Returns nil when metrics are disabled.
func NewAllocatorMetrics(name string) allocator.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"allocator": name}

	return &allocatorMetrics{
		collisions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ldaptoid_allocator_collisions_total",
			Help:        "Hash attempts that landed on an occupied or out-of-range id",
			ConstLabels: labels,
		}),
		fallbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "ldaptoid_allocator_fallbacks_total",
			Help:        "Allocations that fell back to the sequential cursor",
			ConstLabels: labels,
		}),
		size: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "ldaptoid_allocator_size",
			Help:        "Committed id assignments",
			ConstLabels: labels,
		}),
	}
}

func (m *allocatorMetrics) RecordCollision() { m.collisions.Inc() }
func (m *allocatorMetrics) RecordFallback()  { m.fallbacks.Inc() }
func (m *allocatorMetrics) SetSize(n int)    { m.size.Set(float64(n)) }

// refreshMetrics implements snapshot.BuilderMetrics and
// snapshot.SchedulerMetrics.
type refreshMetrics struct {
	refreshTotal     *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	groupTruncated   prometheus.Counter
	snapshotSequence prometheus.Gauge
	snapshotUsers    prometheus.Gauge
	snapshotGroups   prometheus.Gauge
}

// RefreshMetrics is the combined interface of the build pipeline.
type RefreshMetrics interface {
	snapshot.BuilderMetrics
	snapshot.SchedulerMetrics
}

// NewRefreshMetrics creates the refresh pipeline metrics. Returns nil
// when metrics are disabled.
func NewRefreshMetrics() RefreshMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &refreshMetrics{
		refreshTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ldaptoid_refresh_total",
			Help: "Refresh attempts by status",
		}, []string{"status"}),
		refreshDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ldaptoid_refresh_duration_milliseconds",
			Help:    "Duration of one fetch-build-publish cycle in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}),
		groupTruncated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ldaptoid_group_truncated_total",
			Help: "Groups whose membership list was clipped at the maximum",
		}),
		snapshotSequence: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ldaptoid_snapshot_sequence",
			Help: "Sequence number of the published snapshot",
		}),
		snapshotUsers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ldaptoid_snapshot_users",
			Help: "Users in the published snapshot",
		}),
		snapshotGroups: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ldaptoid_snapshot_groups",
			Help: "Groups in the published snapshot",
		}),
	}
}

func (m *refreshMetrics) RecordGroupTruncated() { m.groupTruncated.Inc() }

func (m *refreshMetrics) RecordSnapshot(sequence uint64, users, groups int) {
	m.snapshotSequence.Set(float64(sequence))
	m.snapshotUsers.Set(float64(users))
	m.snapshotGroups.Set(float64(groups))
}

func (m *refreshMetrics) RecordRefresh(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.refreshTotal.WithLabelValues(status).Inc()
	m.refreshDuration.Observe(float64(duration.Microseconds()) / 1000.0)
}

// tokenMetrics implements oauth.Metrics.
type tokenMetrics struct {
	fetchTotal *prometheus.CounterVec
}

// NewTokenMetrics creates the token cache metrics. Returns nil when
// metrics are disabled.
func NewTokenMetrics() oauth.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()
	return &tokenMetrics{
		fetchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ldaptoid_token_fetch_total",
			Help: "OAuth token fetches by IdP and status",
		}, []string{"idp", "status"}),
	}
}

func (m *tokenMetrics) RecordTokenFetch(idpType string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.fetchTotal.WithLabelValues(idpType, status).Inc()
}
