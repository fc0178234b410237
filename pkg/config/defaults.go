package config

import (
	"time"

	ldapadapter "github.com/ldaptoid/ldaptoid/pkg/adapter/ldap"
	"github.com/ldaptoid/ldaptoid/pkg/api"
	"github.com/ldaptoid/ldaptoid/pkg/mapstore"
	"github.com/ldaptoid/ldaptoid/pkg/snapshot"
)

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.IdP.RequestTimeout <= 0 {
		cfg.IdP.RequestTimeout = 10 * time.Second
	}

	if cfg.LDAP.Port == 0 {
		cfg.LDAP.Port = ldapadapter.DefaultPort
	}
	if cfg.LDAP.SizeLimit == 0 {
		cfg.LDAP.SizeLimit = ldapadapter.DefaultSizeLimit
	}
	if cfg.LDAP.ShutdownTimeout <= 0 {
		cfg.LDAP.ShutdownTimeout = ldapadapter.DefaultShutdownTimeout
	}

	if cfg.Refresh.Interval <= 0 {
		cfg.Refresh.Interval = snapshot.DefaultRefreshInterval
	}
	if cfg.Refresh.MaxBackoff <= 0 {
		cfg.Refresh.MaxBackoff = snapshot.DefaultMaxBackoff
	}
	if cfg.Refresh.BackoffMultiplier == 0 {
		cfg.Refresh.BackoffMultiplier = snapshot.DefaultBackoffMultiplier
	}
	if cfg.Refresh.MaxRetries == 0 {
		cfg.Refresh.MaxRetries = snapshot.DefaultMaxRetries
	}
	if cfg.Refresh.MaxGroupMembers == 0 {
		cfg.Refresh.MaxGroupMembers = snapshot.DefaultMaxGroupMembers
	}

	if cfg.MappingStore.Port == 0 {
		cfg.MappingStore.Port = 6379
	}
	if cfg.MappingStore.Host == "" {
		cfg.MappingStore.Host = "localhost"
	}
	if cfg.MappingStore.OpTimeout <= 0 {
		cfg.MappingStore.OpTimeout = mapstore.DefaultOpTimeout
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = api.DefaultPort
	}
}
