// Package ldap implements the read-only LDAPv3 front-end: the
// per-connection protocol state machine and the search executor over the
// current directory snapshot.
package ldap

import (
	"context"
	"fmt"
	"net"

	"github.com/ldaptoid/ldaptoid/pkg/adapter"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
)

// SnapshotProvider hands out the current published snapshot. The
// scheduler implements it; Current returns nil before the first
// successful build.
type SnapshotProvider interface {
	Current() *directory.Snapshot
}

// Metrics extends the shared connection metrics with request-level
// counters. Nil disables collection.
type Metrics interface {
	adapter.MetricsRecorder
	RecordRequest(operation string, code int)
	RecordSearchEntries(count int)
}

// Adapter is the LDAP protocol server. It embeds BaseAdapter for the
// shared TCP lifecycle and adds the protocol state.
type Adapter struct {
	*adapter.BaseAdapter

	config    Config
	suffix    directory.Suffix
	snapshots SnapshotProvider
	metrics   Metrics
}

// New creates the LDAP adapter.
func New(config Config, snapshots SnapshotProvider, metrics Metrics) (*Adapter, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	suffix, err := directory.ParseSuffix(config.BaseDN)
	if err != nil {
		return nil, fmt.Errorf("ldap: invalid base DN %q: %w", config.BaseDN, err)
	}

	a := &Adapter{
		BaseAdapter: adapter.NewBaseAdapter(config.baseConfig(), "LDAP"),
		config:      config,
		suffix:      suffix,
		snapshots:   snapshots,
		metrics:     metrics,
	}
	if metrics != nil {
		a.BaseAdapter.Metrics = metrics
	}
	return a, nil
}

// Serve runs the accept loop until the context is cancelled.
func (a *Adapter) Serve(ctx context.Context) error {
	return a.ServeWithFactory(ctx, a)
}

// NewConnection implements adapter.ConnectionFactory.
func (a *Adapter) NewConnection(conn net.Conn) adapter.ConnectionHandler {
	return newConnection(a, conn)
}

// Protocol implements adapter.Adapter.
func (a *Adapter) Protocol() string { return "LDAP" }

// Port implements adapter.Adapter.
func (a *Adapter) Port() int { return a.config.Port }

// Suffix exposes the parsed base DN.
func (a *Adapter) Suffix() directory.Suffix { return a.suffix }
