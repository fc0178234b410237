package ldap

import (
	"fmt"
	"time"

	"github.com/ldaptoid/ldaptoid/pkg/adapter"
)

// Defaults for the LDAP front-end.
const (
	DefaultPort             = 389
	DefaultSizeLimit        = 1000
	DefaultTimeLimit        = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultMaxConnections   = 0 // unlimited
	DefaultReadBufferSize   = 4096
	DefaultVendorName       = "ldaptoid"
)

// Config holds the LDAP adapter configuration.
type Config struct {
	// BindAddress and Port locate the TCP listener.
	BindAddress string
	Port        int

	// BaseDN is the suffix under which the directory is projected.
	BaseDN string

	// BindDN and BindPassword configure the optional service account.
	// When both are empty, no service account exists and searches are
	// allowed from unauthenticated connections.
	BindDN       string
	BindPassword string

	// AllowAnonymousBind permits anonymous binds and unauthenticated
	// searches even when a service account is configured.
	AllowAnonymousBind bool

	// SizeLimit caps the entries returned by one search. A client's
	// smaller limit lowers the cap; the server value is the hard cap.
	SizeLimit int

	// MaxConnections limits concurrent clients; zero means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// VendorName and VendorVersion are advertised on the RootDSE.
	VendorName    string
	VendorVersion string
}

// applyDefaults fills zero values. The port is left alone: zero binds an
// ephemeral port, which tests rely on; the config layer supplies 389.
func (c *Config) applyDefaults() {
	if c.SizeLimit <= 0 {
		c.SizeLimit = DefaultSizeLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.VendorName == "" {
		c.VendorName = DefaultVendorName
	}
	if c.VendorVersion == "" {
		c.VendorVersion = "dev"
	}
}

// validate rejects unusable configurations.
func (c *Config) validate() error {
	if c.BaseDN == "" {
		return fmt.Errorf("ldap: base DN is required")
	}
	if (c.BindDN == "") != (c.BindPassword == "") {
		return fmt.Errorf("ldap: bind DN and bind password must be set together")
	}
	return nil
}

// serviceAccountConfigured reports whether Bind credentials exist.
func (c *Config) serviceAccountConfigured() bool {
	return c.BindDN != "" && c.BindPassword != ""
}

// baseConfig converts to the shared TCP lifecycle configuration.
func (c *Config) baseConfig() adapter.BaseConfig {
	return adapter.BaseConfig{
		BindAddress:     c.BindAddress,
		Port:            c.Port,
		MaxConnections:  c.MaxConnections,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}
