package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tatachi1/memorygraph/pkg/kv"
)

// CachingOracle wraps a TextOracle with a durable response cache, so that a
// prompt identical to one already answered (the same extraction prompt
// replayed during a restart, the same judge prompt re-issued on a retry)
// skips the round trip to the model.
//
// Caching is keyed on the full (prompt, temperature, maxTokens) tuple, so a
// temperature-0 deterministic call can still be cached while a
// temperature>0 sampling call on the same prompt is not conflated with it.
type CachingOracle struct {
	inner TextOracle
	store kv.Store
}

// NewCachingOracle wraps inner with a cache backed by store. store is
// typically a *kv.Badger opened in the engine's data directory.
func NewCachingOracle(inner TextOracle, store kv.Store) *CachingOracle {
	return &CachingOracle{inner: inner, store: store}
}

func (c *CachingOracle) GenerateResponse(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	key := cacheKey(prompt, temperature, maxTokens)
	if cached, err := c.store.Get(ctx, key); err == nil {
		return string(cached), nil
	}

	resp, err := c.inner.GenerateResponse(ctx, prompt, temperature, maxTokens)
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, key, []byte(resp)); err != nil {
		log.WarnPrintf("cache oracle response: %v", err)
	}
	return resp, nil
}

func cacheKey(prompt string, temperature float64, maxTokens int) kv.Key {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%.4f:%d:%s", temperature, maxTokens, prompt)))
	return kv.Key{"oracle", "response", hex.EncodeToString(sum[:])}
}

var _ TextOracle = (*CachingOracle)(nil)
