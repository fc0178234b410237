package idp

import (
	"context"
	"net/http"
	"strings"
)

// graphBaseURL is the Microsoft Graph endpoint used when no base URL is
// configured (national-cloud deployments override it).
const graphBaseURL = "https://graph.microsoft.com"

// entraAdapter reads users and groups from Microsoft Graph.
type entraAdapter struct {
	cfg    Config
	client *http.Client
}

func (a *entraAdapter) Type() Type { return TypeEntra }

type entraUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	Mail              string `json:"mail"`
	AccountEnabled    bool   `json:"accountEnabled"`
}

type entraGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

type entraPage[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (a *entraAdapter) FetchUsersAndGroups(ctx context.Context, token string) ([]User, []Group, error) {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	if base == "" {
		base = graphBaseURL
	}

	rawUsers, err := fetchEntraPages[entraUser](ctx, a.client,
		base+"/v1.0/users?$select=id,userPrincipalName,displayName,givenName,surname,mail,accountEnabled", token)
	if err != nil {
		return nil, nil, err
	}

	rawGroups, err := fetchEntraPages[entraGroup](ctx, a.client, base+"/v1.0/groups", token)
	if err != nil {
		return nil, nil, err
	}

	users := make([]User, 0, len(rawUsers))
	for _, u := range rawUsers {
		if !u.AccountEnabled {
			continue
		}
		users = append(users, User{
			ID:          u.ID,
			Username:    u.UserPrincipalName,
			DisplayName: entraDisplayName(u),
			Email:       u.Mail,
			Active:      true,
		})
	}

	// Transitive membership requires one Graph call per group; groups are
	// projected with empty membership in this phase.
	groups := make([]Group, 0, len(rawGroups))
	for _, g := range rawGroups {
		groups = append(groups, Group{
			ID:          g.ID,
			Name:        g.DisplayName,
			Description: g.Description,
		})
	}

	return users, groups, nil
}

// fetchEntraPages follows @odata.nextLink until the collection is
// exhausted.
func fetchEntraPages[T any](ctx context.Context, client *http.Client, url, token string) ([]T, error) {
	var out []T
	for url != "" {
		var page entraPage[T]
		if err := doJSON(ctx, client, http.MethodGet, url, token, nil, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		url = page.NextLink
	}
	return out, nil
}

// entraDisplayName prefers displayName, then given+surname, then the
// principal name.
func entraDisplayName(u entraUser) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	name := strings.TrimSpace(strings.TrimSpace(u.GivenName) + " " + strings.TrimSpace(u.Surname))
	if name != "" {
		return name
	}
	return u.UserPrincipalName
}
