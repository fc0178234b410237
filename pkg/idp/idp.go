// Package idp normalizes users and groups from an OpenID Connect
// identity provider into the canonical records the snapshot builder
// consumes. Three providers are supported: Keycloak, Microsoft Entra ID
// and Zitadel v2.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Type identifies the IdP variant.
type Type string

const (
	TypeKeycloak Type = "keycloak"
	TypeEntra    Type = "entra"
	TypeZitadel  Type = "zitadel"
)

// ParseType validates an idp type from configuration.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeKeycloak, TypeEntra, TypeZitadel:
		return Type(s), nil
	default:
		return "", fmt.Errorf("idp: unknown type %q (expected keycloak, entra or zitadel)", s)
	}
}

// ErrTokenRejected reports a 401/403 from the IdP: the bearer token is no
// longer accepted. The caller evicts the cached token and retries once.
var ErrTokenRejected = errors.New("idp: token rejected")

// TransientError wraps any other fetch failure. The refresh scheduler
// retries these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("idp: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// User is a canonical IdP principal, before id allocation.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	Active      bool
}

// Group is a canonical IdP group, before id allocation.
type Group struct {
	ID            string
	Name          string
	Description   string
	MemberUserIDs []string
}

// Config carries the provider connection settings.
type Config struct {
	Type         Type
	BaseURL      string
	ClientID     string
	ClientSecret string

	// Exactly one of these scopes the tenant, depending on Type.
	Realm        string // keycloak
	Tenant       string // entra
	Organization string // zitadel, optional

	RequestTimeout time.Duration
}

// ScopeKey returns the variant-specific tenancy component of the token
// cache key.
func (c Config) ScopeKey() string {
	switch c.Type {
	case TypeKeycloak:
		return c.Realm
	case TypeEntra:
		return c.Tenant
	default:
		return c.Organization
	}
}

// Validate checks that the variant's required scoping is present.
func (c Config) Validate() error {
	if c.BaseURL == "" && c.Type != TypeEntra {
		return fmt.Errorf("idp: base URL is required for %s", c.Type)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("idp: client id and client secret are required")
	}
	switch c.Type {
	case TypeKeycloak:
		if c.Realm == "" {
			return errors.New("idp: realm is required for keycloak")
		}
	case TypeEntra:
		if c.Tenant == "" {
			return errors.New("idp: tenant is required for entra")
		}
	case TypeZitadel:
		// organization is optional
	default:
		return fmt.Errorf("idp: unknown type %q", c.Type)
	}
	return nil
}

// Adapter fetches the provider's directory content with a bearer token.
//
// Implementations filter inactive users before returning: snapshot
// builders never see disabled principals. A 401/403 from the provider
// surfaces as ErrTokenRejected; every other failure as *TransientError.
type Adapter interface {
	Type() Type
	FetchUsersAndGroups(ctx context.Context, token string) ([]User, []Group, error)
}

// New constructs the adapter for the configured variant. The HTTP client
// is shared with the token cache; pass nil to use a default client with
// the configured request timeout.
func New(cfg Config, client *http.Client) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	switch cfg.Type {
	case TypeKeycloak:
		return &keycloakAdapter{cfg: cfg, client: client}, nil
	case TypeEntra:
		return &entraAdapter{cfg: cfg, client: client}, nil
	case TypeZitadel:
		return &zitadelAdapter{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("idp: unknown type %q", cfg.Type)
	}
}
