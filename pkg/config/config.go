// Package config loads, defaults and validates the ldaptoid
// configuration from file, environment and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ldaptoid/ldaptoid/pkg/api"
)

// Config is the full process configuration.
//
// Sources, in order of precedence: environment variables (LDAPTOID_*),
// the configuration file, built-in defaults.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls optional OpenTelemetry tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// IdP selects and scopes the identity provider.
	IdP IdPConfig `mapstructure:"idp" yaml:"idp"`

	// LDAP configures the protocol front-end.
	LDAP LDAPConfig `mapstructure:"ldap" yaml:"ldap"`

	// Refresh tunes the snapshot pipeline.
	Refresh RefreshConfig `mapstructure:"refresh" yaml:"refresh"`

	// MappingStore configures optional Redis persistence of id
	// assignments.
	MappingStore MappingStoreConfig `mapstructure:"mapping_store" yaml:"mapping_store"`

	// Admin configures the metrics/health HTTP surface.
	Admin api.Config `mapstructure:"admin" yaml:"admin"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// IdPConfig selects the identity provider.
type IdPConfig struct {
	// Type is keycloak, entra or zitadel.
	Type string `mapstructure:"type" validate:"required,oneof=keycloak entra zitadel" yaml:"type"`

	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	ClientID     string `mapstructure:"client_id" validate:"required" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" validate:"required" yaml:"client_secret"`

	// Variant scoping: realm (keycloak), tenant (entra), organization
	// (zitadel, optional).
	Realm        string `mapstructure:"realm" yaml:"realm"`
	Tenant       string `mapstructure:"tenant" yaml:"tenant"`
	Organization string `mapstructure:"organization" yaml:"organization"`

	// RequestTimeout bounds each HTTP call to the IdP.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LDAPConfig configures the LDAP listener.
type LDAPConfig struct {
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	Port        int    `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`

	BaseDN string `mapstructure:"base_dn" validate:"required" yaml:"base_dn"`

	BindDN             string `mapstructure:"bind_dn" yaml:"bind_dn"`
	BindPassword       string `mapstructure:"bind_password" yaml:"bind_password"`
	AllowAnonymousBind bool   `mapstructure:"allow_anonymous_bind" yaml:"allow_anonymous_bind"`

	SizeLimit      int `mapstructure:"size_limit" validate:"gte=0" yaml:"size_limit"`
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RefreshConfig tunes the snapshot pipeline.
type RefreshConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"omitempty,gt=1" yaml:"backoff_multiplier"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries"`

	MaxGroupMembers int `mapstructure:"max_group_members" validate:"gte=0" yaml:"max_group_members"`

	// MirrorMinMembers emits nested-group mirrors only for groups with at
	// least this many members; zero mirrors every group.
	MirrorMinMembers int `mapstructure:"mirror_min_members" validate:"gte=0" yaml:"mirror_min_members"`

	// EnabledFeatures is a subset of {synthetic_primary_group,
	// mirror_nested_groups}.
	EnabledFeatures []string `mapstructure:"enabled_features" yaml:"enabled_features"`
}

// MappingStoreConfig configures the optional Redis mapping store.
type MappingStoreConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Host      string        `mapstructure:"host" yaml:"host"`
	Port      int           `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`
	Password  string        `mapstructure:"password" yaml:"password"`
	Database  int           `mapstructure:"database" validate:"gte=0" yaml:"database"`
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	// A missing config file is fine: environment variables alone can
	// carry a full configuration.
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment overrides and the config file
// search path.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("LDAPTOID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only surfaces keys viper already knows about; bind the
	// nested keys explicitly so env-only deployments work.
	for _, key := range configKeys() {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// configKeys enumerates the nested configuration keys for env binding.
func configKeys() []string {
	return []string{
		"logging.level", "logging.format", "logging.output",
		"telemetry.enabled", "telemetry.endpoint", "telemetry.insecure", "telemetry.sample_rate",
		"idp.type", "idp.base_url", "idp.client_id", "idp.client_secret",
		"idp.realm", "idp.tenant", "idp.organization", "idp.request_timeout",
		"ldap.bind_address", "ldap.port", "ldap.base_dn",
		"ldap.bind_dn", "ldap.bind_password", "ldap.allow_anonymous_bind",
		"ldap.size_limit", "ldap.max_connections", "ldap.shutdown_timeout",
		"refresh.interval", "refresh.max_backoff", "refresh.backoff_multiplier",
		"refresh.max_retries", "refresh.max_group_members", "refresh.mirror_min_members",
		"refresh.enabled_features",
		"mapping_store.enabled", "mapping_store.host", "mapping_store.port",
		"mapping_store.password", "mapping_store.database", "mapping_store.op_timeout",
		"admin.enabled", "admin.bind_address", "admin.port",
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks enables duration strings and comma-separated lists.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHook(),
	)
}

// stringToSliceHook lets LDAPTOID_REFRESH_ENABLED_FEATURES hold a
// comma-separated list.
func stringToSliceHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
			return data, nil
		}
		s, _ := data.(string)
		if s == "" {
			return []string{}, nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/ldaptoid or ~/.config/ldaptoid.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ldaptoid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ldaptoid")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
