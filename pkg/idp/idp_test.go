package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, s := range []string{"keycloak", "entra", "zitadel"} {
		typ, err := ParseType(s)
		require.NoError(t, err)
		assert.Equal(t, Type(s), typ)
	}
	_, err := ParseType("okta")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := Config{
		Type: TypeKeycloak, BaseURL: "https://kc.example.com/admin/realms/r",
		ClientID: "c", ClientSecret: "s", Realm: "r",
	}
	assert.NoError(t, base.Validate())

	noRealm := base
	noRealm.Realm = ""
	assert.Error(t, noRealm.Validate())

	entra := Config{Type: TypeEntra, ClientID: "c", ClientSecret: "s", Tenant: "t"}
	assert.NoError(t, entra.Validate(), "entra has a default base URL")

	noTenant := entra
	noTenant.Tenant = ""
	assert.Error(t, noTenant.Validate())

	zitadel := Config{Type: TypeZitadel, BaseURL: "https://z.example.com", ClientID: "c", ClientSecret: "s"}
	assert.NoError(t, zitadel.Validate(), "organization is optional")

	noSecret := base
	noSecret.ClientSecret = ""
	assert.Error(t, noSecret.Validate())
}

func TestKeycloakFetch(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/users":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "u1", "username": "alice", "enabled": true, "firstName": "Alice", "lastName": "Lidell", "email": "alice@example.com"},
				{"id": "u2", "username": "bob", "enabled": false},
			})
		case "/groups":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "g1", "name": "staff", "path": "/staff", "subGroups": []map[string]any{
					{"id": "g2", "name": "ops", "path": "/staff/ops"},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	adapter, err := New(Config{
		Type: TypeKeycloak, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s", Realm: "r",
	}, srv.Client())
	require.NoError(t, err)

	users, groups, err := adapter.FetchUsersAndGroups(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", sawAuth)

	require.Len(t, users, 1, "disabled users are filtered at the adapter")
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "Alice Lidell", users[0].DisplayName)
	assert.True(t, users[0].Active)

	require.Len(t, groups, 2, "nested subgroups are flattened")
	assert.Equal(t, "staff", groups[0].Name)
	assert.Equal(t, "ops", groups[1].Name)
	assert.Empty(t, groups[0].MemberUserIDs, "membership needs per-group calls; left empty")
}

func TestKeycloakDisplayNameFallback(t *testing.T) {
	assert.Equal(t, "alice", keycloakDisplayName(keycloakUser{Username: "alice"}))
	assert.Equal(t, "Alice", keycloakDisplayName(keycloakUser{Username: "alice", FirstName: "Alice"}))
}

func TestEntraFetchFollowsPaging(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1.0/users" && r.URL.Query().Get("page") == "":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "u1", "userPrincipalName": "alice@corp.example.com", "displayName": "Alice Lidell", "mail": "alice@corp.example.com", "accountEnabled": true},
				},
				"@odata.nextLink": srv.URL + "/v1.0/users?page=2",
			})
		case r.URL.Path == "/v1.0/users":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "u2", "userPrincipalName": "bob@corp.example.com", "accountEnabled": true},
					{"id": "u3", "userPrincipalName": "gone@corp.example.com", "accountEnabled": false},
				},
			})
		case r.URL.Path == "/v1.0/groups":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{"id": "g1", "displayName": "Staff", "description": "Everyone"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	adapter, err := New(Config{
		Type: TypeEntra, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s", Tenant: "t",
	}, srv.Client())
	require.NoError(t, err)

	users, groups, err := adapter.FetchUsersAndGroups(context.Background(), "tok")
	require.NoError(t, err)

	require.Len(t, users, 2)
	assert.Equal(t, "alice@corp.example.com", users[0].Username)
	assert.Equal(t, "bob@corp.example.com", users[1].Username, "second page followed")
	require.Len(t, groups, 1)
	assert.Equal(t, "Staff", groups[0].Name)
}

func TestZitadelFetch(t *testing.T) {
	var gotBody map[string]any
	var gotOrgHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/users", r.URL.Path)
		gotOrgHeader = r.Header.Get("x-zitadel-orgid")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{
					"userId": "z1", "state": "USER_STATE_ACTIVE",
					"preferredLoginName": "alice@org.example.com",
					"human": map[string]any{
						"profile": map[string]any{"givenName": "Alice", "familyName": "Lidell"},
						"email":   map[string]any{"email": "alice@org.example.com"},
					},
				},
				{"userId": "z2", "state": "USER_STATE_LOCKED", "username": "locked"},
				{"userId": "z3", "state": "USER_STATE_INITIAL", "username": "initial"},
			},
		})
	}))
	defer srv.Close()

	adapter, err := New(Config{
		Type: TypeZitadel, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s", Organization: "org-1",
	}, srv.Client())
	require.NoError(t, err)

	users, groups, err := adapter.FetchUsersAndGroups(context.Background(), "tok")
	require.NoError(t, err)

	assert.Equal(t, "org-1", gotOrgHeader)
	query := gotBody["query"].(map[string]any)
	assert.Equal(t, float64(zitadelQueryLimit), query["limit"])
	assert.Equal(t, true, query["asc"])

	require.Len(t, users, 1, "only USER_STATE_ACTIVE survives")
	assert.Equal(t, "alice@org.example.com", users[0].Username)
	assert.Equal(t, "Alice Lidell", users[0].DisplayName)
	assert.Empty(t, groups, "zitadel groups are not projected in this phase")
}

func TestFetchTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter, err := New(Config{
		Type: TypeKeycloak, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s", Realm: "r",
	}, srv.Client())
	require.NoError(t, err)

	_, _, err = adapter.FetchUsersAndGroups(context.Background(), "stale")
	require.ErrorIs(t, err, ErrTokenRejected)
}

func TestFetchTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := New(Config{
		Type: TypeKeycloak, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s", Realm: "r",
	}, srv.Client())
	require.NoError(t, err)

	_, _, err = adapter.FetchUsersAndGroups(context.Background(), "tok")
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.NotErrorIs(t, err, ErrTokenRejected)
}

func TestZitadelUsernamePreference(t *testing.T) {
	assert.Equal(t, "pref", zitadelUsername(zitadelUser{PreferredLoginName: "pref", Username: "user", LoginNames: []string{"ln"}}))
	assert.Equal(t, "user", zitadelUsername(zitadelUser{Username: "user", LoginNames: []string{"ln"}}))
	assert.Equal(t, "ln", zitadelUsername(zitadelUser{LoginNames: []string{"ln"}}))
	assert.Equal(t, "id", zitadelUsername(zitadelUser{UserID: "id"}))
}
