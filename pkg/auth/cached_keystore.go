package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediagate/pkg/models"
	"mediagate/pkg/store"
)

// CachedKeyStore keeps successful lookups in a store.Cache for TTL.
// Rejections are never cached so a re-enabled app is visible on the next call.
// Wrap it with a SealedKeyStore, not the other way around, so cached entries
// carry ciphertext only.
type CachedKeyStore struct {
	Inner  KeyStore
	Cache  store.Cache
	TTL    time.Duration
	Prefix string
	Logger *zap.Logger
}

func (c *CachedKeyStore) key(appID string) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "keystore:app:"
	}
	return prefix + normalizeAppID(appID)
}

func (c *CachedKeyStore) Lookup(ctx context.Context, appID string) (*models.AppCredential, error) {
	if c.Cache != nil {
		raw, err := c.Cache.Get(ctx, c.key(appID))
		switch {
		case err == nil:
			var cred models.AppCredential
			if jsonErr := json.Unmarshal([]byte(raw), &cred); jsonErr == nil {
				if statusErr := checkStatus(&cred); statusErr != nil {
					return nil, statusErr
				}
				return &cred, nil
			}
			c.logger().Warn("discarding undecodable keystore cache entry", zap.String("app_id", appID))
		case !errors.Is(err, redis.Nil):
			c.logger().Warn("keystore cache read failed", zap.String("app_id", appID), zap.Error(err))
		}
	}
	cred, err := c.Inner.Lookup(ctx, appID)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		ttl := c.TTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		if b, err := json.Marshal(cred); err == nil {
			if err := c.Cache.Set(ctx, c.key(appID), string(b), ttl); err != nil {
				c.logger().Warn("keystore cache write failed", zap.String("app_id", appID), zap.Error(err))
			}
		}
	}
	return cred, nil
}

// Invalidate drops a cached credential, used after rotation or status changes.
func (c *CachedKeyStore) Invalidate(ctx context.Context, appID string) error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Del(ctx, c.key(appID))
}

func (c *CachedKeyStore) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
