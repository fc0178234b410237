package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// zitadelUserStateActive is the only state projected into snapshots;
// INITIAL, LOCKED and the rest are treated as inactive.
const zitadelUserStateActive = "USER_STATE_ACTIVE"

// zitadelQueryLimit bounds one v2 search request.
const zitadelQueryLimit = 1000

// zitadelAdapter reads the Zitadel v2 user API. Zitadel groups are not
// projected in this phase.
type zitadelAdapter struct {
	cfg    Config
	client *http.Client
}

func (a *zitadelAdapter) Type() Type { return TypeZitadel }

type zitadelSearchRequest struct {
	Query   zitadelListQuery `json:"query"`
	Queries []zitadelQuery   `json:"queries,omitempty"`
}

type zitadelListQuery struct {
	Limit int  `json:"limit"`
	Asc   bool `json:"asc"`
}

type zitadelQuery struct {
	OrganizationIDQuery *zitadelOrgIDQuery `json:"organizationIdQuery,omitempty"`
}

type zitadelOrgIDQuery struct {
	OrganizationID string `json:"organizationId"`
}

type zitadelSearchResponse struct {
	Result []zitadelUser `json:"result"`
}

type zitadelUser struct {
	UserID             string        `json:"userId"`
	State              string        `json:"state"`
	Username           string        `json:"username"`
	PreferredLoginName string        `json:"preferredLoginName"`
	LoginNames         []string      `json:"loginNames"`
	Human              *zitadelHuman `json:"human"`
}

type zitadelHuman struct {
	Profile zitadelProfile `json:"profile"`
	Email   zitadelEmail   `json:"email"`
}

type zitadelProfile struct {
	GivenName   string `json:"givenName"`
	FamilyName  string `json:"familyName"`
	DisplayName string `json:"displayName"`
}

type zitadelEmail struct {
	Email string `json:"email"`
}

func (a *zitadelAdapter) FetchUsersAndGroups(ctx context.Context, token string) ([]User, []Group, error) {
	base := strings.TrimRight(a.cfg.BaseURL, "/")

	reqBody := zitadelSearchRequest{
		Query: zitadelListQuery{Limit: zitadelQueryLimit, Asc: true},
	}
	if a.cfg.Organization != "" {
		reqBody.Queries = []zitadelQuery{
			{OrganizationIDQuery: &zitadelOrgIDQuery{OrganizationID: a.cfg.Organization}},
		}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, &TransientError{Op: "encode zitadel query", Err: err}
	}

	var headers map[string]string
	if a.cfg.Organization != "" {
		headers = map[string]string{"x-zitadel-orgid": a.cfg.Organization}
	}

	var resp zitadelSearchResponse
	if err := doJSON(ctx, a.client, http.MethodPost, base+"/v2/users", token, bytes.NewReader(payload), headers, &resp); err != nil {
		return nil, nil, err
	}

	users := make([]User, 0, len(resp.Result))
	for _, u := range resp.Result {
		if u.State != zitadelUserStateActive {
			continue
		}
		users = append(users, User{
			ID:          u.UserID,
			Username:    zitadelUsername(u),
			DisplayName: zitadelDisplayName(u),
			Email:       zitadelEmailOf(u),
			Active:      true,
		})
	}
	return users, nil, nil
}

// zitadelUsername prefers preferredLoginName, then username, then the
// first login name.
func zitadelUsername(u zitadelUser) string {
	if u.PreferredLoginName != "" {
		return u.PreferredLoginName
	}
	if u.Username != "" {
		return u.Username
	}
	if len(u.LoginNames) > 0 {
		return u.LoginNames[0]
	}
	return u.UserID
}

func zitadelDisplayName(u zitadelUser) string {
	if u.Human == nil {
		return zitadelUsername(u)
	}
	if u.Human.Profile.DisplayName != "" {
		return u.Human.Profile.DisplayName
	}
	name := strings.TrimSpace(strings.TrimSpace(u.Human.Profile.GivenName) + " " + strings.TrimSpace(u.Human.Profile.FamilyName))
	if name != "" {
		return name
	}
	return zitadelUsername(u)
}

func zitadelEmailOf(u zitadelUser) string {
	if u.Human == nil {
		return ""
	}
	return u.Human.Email.Email
}
