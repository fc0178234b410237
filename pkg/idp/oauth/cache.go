// Package oauth acquires and caches OAuth2 client-credentials tokens for
// the configured identity provider. Tokens are cached per
// (type, base URL, client id, tenancy) and renewed proactively before
// expiry; concurrent callers for the same key share one in-flight fetch.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
)

// ExpiryBuffer is how long before expiry a cached token stops being
// served and a renewal is forced.
const ExpiryBuffer = 30 * time.Second

// entraLoginBase is the Microsoft identity platform endpoint.
const entraLoginBase = "https://login.microsoftonline.com"

// Metrics receives token-fetch observability events. Nil disables
// collection.
type Metrics interface {
	RecordTokenFetch(idpType string, success bool)
}

// Token is one cached access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Scope       string
}

// valid reports whether the token can still be served.
func (t *Token) valid(now time.Time) bool {
	return t != nil && t.ExpiresAt.Sub(now) >= ExpiryBuffer
}

// Cache is the process-wide token cache. Tokens never persist across
// restarts.
type Cache struct {
	client  *http.Client
	metrics Metrics

	mu     sync.Mutex
	tokens map[string]*Token

	// group collapses concurrent fetches for the same cache key.
	group singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// NewCache creates a token cache. A nil client uses http.DefaultClient
// semantics with a 10s timeout.
func NewCache(client *http.Client, metrics Metrics) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		client:  client,
		metrics: metrics,
		tokens:  make(map[string]*Token),
		now:     time.Now,
	}
}

// cacheKey builds the (idpType, baseURL, clientId, tenancy) key.
func cacheKey(cfg idp.Config) string {
	return strings.Join([]string{string(cfg.Type), cfg.BaseURL, cfg.ClientID, cfg.ScopeKey()}, "\x00")
}

// Token returns a valid bearer token for the configured IdP, fetching or
// renewing as needed.
func (c *Cache) Token(ctx context.Context, cfg idp.Config) (string, error) {
	key := cacheKey(cfg)

	c.mu.Lock()
	tok := c.tokens[key]
	now := c.now()
	c.mu.Unlock()

	if tok.valid(now) {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// while this one waited for the flight slot.
		c.mu.Lock()
		cached := c.tokens[key]
		nw := c.now()
		c.mu.Unlock()
		if cached.valid(nw) {
			return cached, nil
		}

		fetched, err := c.fetch(ctx, cfg)
		if c.metrics != nil {
			c.metrics.RecordTokenFetch(string(cfg.Type), err == nil)
		}
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.tokens[key] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).AccessToken, nil
}

// Evict drops the cached token for the configured IdP. Called when the
// adapter reports the token rejected.
func (c *Cache) Evict(cfg idp.Config) {
	c.mu.Lock()
	delete(c.tokens, cacheKey(cfg))
	c.mu.Unlock()
	logger.Debug("evicted cached token", logger.KeyIdP, string(cfg.Type))
}

// endpointAndScopes resolves the token endpoint and scopes per variant.
func endpointAndScopes(cfg idp.Config) (endpoint string, scopes []string, err error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	switch cfg.Type {
	case idp.TypeKeycloak:
		// The admin API base may include /admin/realms/<realm>; the token
		// endpoint always lives under the plain server root.
		root := base
		if i := strings.Index(root, "/admin/realms/"); i >= 0 {
			root = root[:i]
		}
		endpoint = fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", root, cfg.Realm)
		scopes = []string{"openid", "profile", "email"}
	case idp.TypeEntra:
		endpoint = fmt.Sprintf("%s/%s/oauth2/v2.0/token", entraLoginBase, cfg.Tenant)
		scopes = []string{"https://graph.microsoft.com/.default"}
	case idp.TypeZitadel:
		endpoint = base + "/oauth/v2/token"
		scopes = []string{"urn:zitadel:iam:org:projects:roles"}
		if cfg.Organization != "" {
			scopes = append(scopes, "urn:zitadel:iam:org:id:"+cfg.Organization)
		}
	default:
		return "", nil, fmt.Errorf("oauth: unknown idp type %q", cfg.Type)
	}
	return endpoint, scopes, nil
}

// tokenResponse is the RFC 6749 token endpoint payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// fetch performs one client-credentials grant.
func (c *Cache) fetch(ctx context.Context, cfg idp.Config) (*Token, error) {
	endpoint, scopes, err := endpointAndScopes(cfg)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"scope":         {strings.Join(scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &idp.TransientError{Op: "token fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &idp.TransientError{
			Op:  "token fetch",
			Err: fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, endpoint, snippet),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &idp.TransientError{Op: "token fetch", Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &idp.TransientError{Op: "token fetch", Err: fmt.Errorf("empty access_token from %s", endpoint)}
	}

	expiresAt := c.expiryOf(tr)
	logger.Debug("fetched access token",
		logger.KeyIdP, string(cfg.Type),
		logger.KeyTokenScope, tr.Scope,
		logger.KeyDurationMs, float64(c.now().Sub(start).Microseconds())/1000.0)

	return &Token{AccessToken: tr.AccessToken, ExpiresAt: expiresAt, Scope: tr.Scope}, nil
}

// expiryOf derives the expiry instant from expires_in, falling back to
// the token's own exp claim when the endpoint omits it.
func (c *Cache) expiryOf(tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		return c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	// Some providers omit expires_in; the JWT exp claim is authoritative
	// then. The token is not validated here, only inspected.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	// Last resort: a conservative five minutes.
	return c.now().Add(5 * time.Minute)
}
