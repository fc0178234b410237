// Package ldap implements the LDAPv3 message layer (RFC 4511 subset): PDU
// decoding and encoding over BER, the filter algebra, and the controls the
// server recognizes. It is wire-only; directory semantics live elsewhere.
package ldap

// Application tags for LDAP protocol operations (RFC 4511 §4.1.1).
const (
	AppBindRequest       = 0
	AppBindResponse      = 1
	AppUnbindRequest     = 2
	AppSearchRequest     = 3
	AppSearchResultEntry = 4
	AppSearchResultDone  = 5
	AppModifyRequest     = 6
	AppModifyResponse    = 7
	AppAddRequest        = 8
	AppAddResponse       = 9
	AppDelRequest        = 10
	AppDelResponse       = 11
	AppModifyDNRequest   = 12
	AppModifyDNResponse  = 13
	AppCompareRequest    = 14
	AppCompareResponse   = 15
	AppAbandonRequest    = 16
	AppExtendedRequest   = 23
	AppExtendedResponse  = 24
)

// LDAP result codes (RFC 4511 appendix A).
const (
	ResultSuccess                      = 0
	ResultOperationsError              = 1
	ResultProtocolError                = 2
	ResultTimeLimitExceeded            = 3
	ResultSizeLimitExceeded            = 4
	ResultAuthMethodNotSupported       = 7
	ResultUnavailableCriticalExtension = 12
	ResultNoSuchObject                 = 32
	ResultInvalidCredentials           = 49
	ResultInsufficientAccessRights     = 50
	ResultUnavailable                  = 52
	ResultUnwillingToPerform           = 53
)

// Search scopes (RFC 4511 §4.5.1.2).
const (
	ScopeBaseObject   = 0
	ScopeSingleLevel  = 1
	ScopeWholeSubtree = 2
)

// ScopeName returns a short name for logging.
func ScopeName(scope int) string {
	switch scope {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}
