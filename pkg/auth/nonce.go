package auth

import (
	"context"
	"strings"
	"time"

	"mediagate/pkg/store"
)

// CacheNonceGuard claims nonces with SetNX so the first request wins.
type CacheNonceGuard struct {
	Cache  store.Cache
	Prefix string
}

func (g CacheNonceGuard) Claim(ctx context.Context, appID, nonce string, ttl time.Duration) (bool, error) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "nonce:"
	}
	key := prefix + appID + ":" + strings.TrimSpace(nonce)
	return g.Cache.SetNX(ctx, key, "1", ttl)
}
