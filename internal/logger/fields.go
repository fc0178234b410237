package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that the LDAP
// front-end, the refresh pipeline, and the mapping store produce logs that
// can be aggregated and queried together.
const (
	// Connection and protocol
	KeyClientIP  = "client_ip"  // LDAP client IP address
	KeyMessageID = "message_id" // LDAP message ID echoed on responses
	KeyOperation = "operation"  // Protocol operation: bind, search, unbind
	KeyBindDN    = "bind_dn"    // DN presented in a BindRequest
	KeyBaseDN    = "base_dn"    // Search base DN
	KeyScope     = "scope"      // Search scope: base, one, sub
	KeyFilter    = "filter"     // Search filter in RFC 4515 text form
	KeyCode      = "code"       // LDAP result code on the response
	KeyEntries   = "entries"    // Number of entries streamed for a search

	// Refresh pipeline
	KeyIdP         = "idp"          // IdP variant: keycloak, entra, zitadel
	KeySequence    = "sequence"     // Snapshot sequence number
	KeyUsers       = "users"        // User count in a snapshot
	KeyGroups      = "groups"       // Group count in a snapshot
	KeyAttempt     = "attempt"      // Refresh or allocation attempt number
	KeyBackoff     = "backoff"      // Next refresh delay after a failure
	KeyDurationMs  = "duration_ms"  // Operation duration in milliseconds
	KeyTokenScope  = "token_scope"  // OAuth scope of a fetched token
	KeyMappingKey  = "mapping_key"  // Namespaced mapping-store key
	KeyFeatureFlag = "feature_flag" // Feature flag name

	// Generic
	KeyError = "error" // Error message
	KeyPort  = "port"  // TCP listen port
)
