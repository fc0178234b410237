package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldaptoid/ldaptoid/pkg/idp"
)

// tokenServer fakes a client-credentials token endpoint.
type tokenServer struct {
	mu       sync.Mutex
	fetches  int
	lastForm map[string][]string
	status   int
	token    string
	expires  int
	srv      *httptest.Server
}

func newTokenServer(t *testing.T, path string) *tokenServer {
	ts := &tokenServer{status: http.StatusOK, token: "tok-1", expires: 3600}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, path, r.URL.Path)
		require.NoError(t, r.ParseForm())

		ts.mu.Lock()
		ts.fetches++
		ts.lastForm = r.PostForm
		status, token, expires := ts.status, ts.token, ts.expires
		ts.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "denied", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   expires,
			"scope":        "openid",
		})
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tokenServer) fetchCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.fetches
}

func keycloakConfig(baseURL string) idp.Config {
	return idp.Config{
		Type: idp.TypeKeycloak, BaseURL: baseURL,
		ClientID: "svc", ClientSecret: "secret", Realm: "example",
	}
}

func TestTokenFetchAndCache(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)
	cfg := keycloakConfig(ts.srv.URL)

	tok, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, ts.fetchCount())

	form := ts.lastForm
	assert.Equal(t, []string{"client_credentials"}, form["grant_type"])
	assert.Equal(t, []string{"svc"}, form["client_id"])
	assert.Equal(t, []string{"openid profile email"}, form["scope"])

	// A second request is served from cache.
	tok, err = cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, ts.fetchCount())
}

func TestTokenEndpointFromAdminBase(t *testing.T) {
	// The keycloak admin base includes /admin/realms/<realm>; the token
	// endpoint is derived from the server root.
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)
	cfg := keycloakConfig(ts.srv.URL + "/admin/realms/example")

	_, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)
}

func TestTokenRenewalInsideBuffer(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)
	cfg := keycloakConfig(ts.srv.URL)

	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	_, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)

	// 35 seconds before expiry: still served.
	ts.mu.Lock()
	ts.token = "tok-2"
	ts.mu.Unlock()
	now = now.Add(3600*time.Second - 35*time.Second)
	tok, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// 25 seconds before expiry: inside the 30s buffer, renewed.
	now = now.Add(10 * time.Second)
	tok, err = cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, ts.fetchCount())
}

func TestTokenEvict(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)
	cfg := keycloakConfig(ts.srv.URL)

	_, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)

	ts.mu.Lock()
	ts.token = "tok-2"
	ts.mu.Unlock()

	cache.Evict(cfg)
	tok, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, ts.fetchCount())
}

func TestTokenFetchFailureIsTransient(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	ts.mu.Lock()
	ts.status = http.StatusInternalServerError
	ts.mu.Unlock()

	cache := NewCache(ts.srv.Client(), nil)
	_, err := cache.Token(context.Background(), keycloakConfig(ts.srv.URL))

	var te *idp.TransientError
	require.ErrorAs(t, err, &te)
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)
	cfg := keycloakConfig(ts.srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Token(context.Background(), cfg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ts.fetchCount(), "concurrent callers for one key share a single in-flight fetch")
}

func TestDistinctKeysFetchSeparately(t *testing.T) {
	ts := newTokenServer(t, "/realms/example/protocol/openid-connect/token")
	cache := NewCache(ts.srv.Client(), nil)

	cfgA := keycloakConfig(ts.srv.URL)
	cfgB := keycloakConfig(ts.srv.URL)
	cfgB.ClientID = "other-client"

	_, err := cache.Token(context.Background(), cfgA)
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), cfgB)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.fetchCount())
}

func TestZitadelScopes(t *testing.T) {
	endpoint, scopes, err := endpointAndScopes(idp.Config{
		Type: idp.TypeZitadel, BaseURL: "https://z.example.com",
		ClientID: "c", ClientSecret: "s", Organization: "273894",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://z.example.com/oauth/v2/token", endpoint)
	assert.Equal(t, []string{
		"urn:zitadel:iam:org:projects:roles",
		"urn:zitadel:iam:org:id:273894",
	}, scopes)

	_, scopes, err = endpointAndScopes(idp.Config{
		Type: idp.TypeZitadel, BaseURL: "https://z.example.com", ClientID: "c", ClientSecret: "s",
	})
	require.NoError(t, err)
	assert.Len(t, scopes, 1)
}

func TestEntraEndpoint(t *testing.T) {
	endpoint, scopes, err := endpointAndScopes(idp.Config{
		Type: idp.TypeEntra, ClientID: "c", ClientSecret: "s", Tenant: "tenant-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.com/tenant-id/oauth2/v2.0/token", endpoint)
	assert.Equal(t, []string{"https://graph.microsoft.com/.default"}, scopes)
}

func TestExpiryFromJWTWhenExpiresInMissing(t *testing.T) {
	// Unsigned JWT with exp claim; header/payload are base64url JSON.
	// {"alg":"none"} . {"exp":1700003600}
	jwtToken := "eyJhbGciOiJub25lIn0." +
		base64urlJSON(t, map[string]any{"exp": 1700003600}) + "."

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": jwtToken})
	}))
	defer srv.Close()

	cache := NewCache(srv.Client(), nil)
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	cfg := idp.Config{Type: idp.TypeZitadel, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s"}
	tok, err := cache.Token(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, jwtToken, tok)

	// Expiry came from the exp claim: one hour out, so a fetch 30
	// minutes later is still cached.
	now = now.Add(30 * time.Minute)
	_, err = cache.Token(context.Background(), cfg)
	require.NoError(t, err)
}

func base64urlJSON(t *testing.T, v map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}
