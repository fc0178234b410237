package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is written by "ldaptoid init".
const sampleConfig = `# ldaptoid configuration
#
# Every option can be overridden with environment variables using the
# LDAPTOID_ prefix and underscores for nesting, for example:
#   LDAPTOID_LOGGING_LEVEL=DEBUG
#   LDAPTOID_IDP_CLIENT_SECRET=...

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text, json
  output: stdout     # stdout, stderr, or a file path

idp:
  type: keycloak     # keycloak, entra, zitadel
  base_url: https://keycloak.example.com/admin/realms/example
  client_id: ldaptoid
  client_secret: change-me
  realm: example     # keycloak only
  # tenant: 00000000-0000-0000-0000-000000000000   # entra only
  # organization: "273894672340987654"             # zitadel, optional
  request_timeout: 10s

ldap:
  port: 389
  base_dn: dc=example,dc=com
  # bind_dn: cn=ldap-service,dc=example,dc=com
  # bind_password: change-me
  allow_anonymous_bind: true
  size_limit: 1000
  shutdown_timeout: 10s

refresh:
  interval: 5m
  max_backoff: 10m
  backoff_multiplier: 2
  max_retries: 10
  max_group_members: 5000
  enabled_features:
    - synthetic_primary_group
  # - mirror_nested_groups

mapping_store:
  enabled: false
  host: localhost
  port: 6379
  # password: ""
  database: 0
  op_timeout: 3s

admin:
  enabled: true
  port: 8389

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
`

// InitConfig writes the sample configuration to the default location.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to an explicit path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Restricted permissions: the file carries the client secret.
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
