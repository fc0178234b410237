// Package prometheus implements the consumer metrics interfaces against
// the shared registry.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	ldapadapter "github.com/ldaptoid/ldaptoid/pkg/adapter/ldap"
	"github.com/ldaptoid/ldaptoid/pkg/metrics"
)

// ldapMetrics is the Prometheus implementation of ldap.Metrics.
type ldapMetrics struct {
	connectionsActive      prometheus.Gauge
	connectionsTotal       prometheus.Counter
	connectionsForceClosed prometheus.Counter
	requestsTotal          *prometheus.CounterVec
	searchEntries          prometheus.Histogram
}

// NewLDAPMetrics creates the LDAP front-end metrics. Returns nil when
// metrics are disabled.
func NewLDAPMetrics() ldapadapter.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &ldapMetrics{
		connectionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ldaptoid_ldap_connections_active",
			Help: "Current number of LDAP client connections",
		}),
		connectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ldaptoid_ldap_connections_total",
			Help: "Total accepted LDAP client connections",
		}),
		connectionsForceClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ldaptoid_ldap_connections_force_closed_total",
			Help: "Connections force-closed at shutdown timeout",
		}),
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ldaptoid_ldap_requests_total",
			Help: "Completed LDAP requests by operation and result code",
		}, []string{"operation", "code"}),
		searchEntries: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ldaptoid_search_entries_returned",
			Help:    "Entries streamed per search response",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),
	}
}

func (m *ldapMetrics) RecordConnectionAccepted()    { m.connectionsTotal.Inc() }
func (m *ldapMetrics) RecordConnectionClosed()      {}
func (m *ldapMetrics) RecordConnectionForceClosed() { m.connectionsForceClosed.Inc() }

func (m *ldapMetrics) SetActiveConnections(count int32) {
	m.connectionsActive.Set(float64(count))
}

func (m *ldapMetrics) RecordRequest(operation string, code int) {
	m.requestsTotal.WithLabelValues(operation, strconv.Itoa(code)).Inc()
}

func (m *ldapMetrics) RecordSearchEntries(count int) {
	m.searchEntries.Observe(float64(count))
}
