package snapshot

import (
	"context"
	"errors"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
	"github.com/ldaptoid/ldaptoid/pkg/idp/oauth"
)

// NewSource composes the IdP adapter with the token cache into the
// scheduler's FetchFunc. When the adapter reports the token rejected,
// the cached token is evicted and the fetch retried exactly once with a
// fresh token.
func NewSource(adapter idp.Adapter, tokens *oauth.Cache, cfg idp.Config) FetchFunc {
	return func(ctx context.Context) ([]idp.User, []idp.Group, error) {
		token, err := tokens.Token(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		users, groups, err := adapter.FetchUsersAndGroups(ctx, token)
		if err == nil {
			return users, groups, nil
		}
		if !errors.Is(err, idp.ErrTokenRejected) {
			return nil, nil, err
		}

		logger.Warn("idp rejected bearer token; refreshing and retrying",
			logger.KeyIdP, string(adapter.Type()))
		tokens.Evict(cfg)
		token, err = tokens.Token(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return adapter.FetchUsersAndGroups(ctx, token)
	}
}
