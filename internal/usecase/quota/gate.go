// Package quota implements the admission gate (C9): it caches the bucket's
// used/quota ratio and flips OPEN/CLOSED at 100% usage, grounded on the
// original QuotaManager's list-and-sum-with-TTL-cache strategy.
package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// cacheTTL matches the original QuotaManager's refresh_used_bytes default.
const cacheTTL = 300 * time.Second

// cacheKey is shared across every bot-gateway replica, so the bucket's
// used/quota ratio is computed once per cacheTTL cluster-wide rather than
// once per process.
const cacheKey = "teltubby:quota:used_ratio"

// Gate polls domain.ObjectStore.UsedRatio behind a cross-process TTL cache
// and reports OPEN/CLOSED admission state per spec §4.9.
type Gate struct {
	store domain.ObjectStore
	cache domain.TTLCache
	log   zerolog.Logger
}

// New builds a Gate over store, backed by cache for sharing the refreshed
// ratio across every bot-gateway replica.
func New(store domain.ObjectStore, cache domain.TTLCache, log zerolog.Logger) *Gate {
	return &Gate{store: store, cache: cache, log: log}
}

// State returns the current admission state, refreshing the cached ratio if
// it is stale. If the quota is unknown (unconfigured), admission is always OPEN.
func (g *Gate) State(ctx context.Context) domain.QuotaState {
	ratio, known, err := g.Refresh(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("quota refresh failed; admission stays open")
		return domain.QuotaOpen
	}
	if !known {
		return domain.QuotaOpen
	}
	metrics.QuotaUsedRatio.Set(ratio)
	if ratio >= 1.0 {
		metrics.SetQuotaState(true)
		return domain.QuotaClosed
	}
	metrics.SetQuotaState(false)
	return domain.QuotaOpen
}

// Refresh returns the cached used ratio, recomputing it from the object
// store if the cache has gone stale. A cache read/write failure degrades to
// a direct object-store call rather than failing admission.
func (g *Gate) Refresh(ctx context.Context) (float64, bool, error) {
	if raw, hit, err := g.cache.Get(ctx, cacheKey); err != nil {
		g.log.Warn().Err(err).Msg("quota cache read failed; falling back to a live refresh")
	} else if hit {
		if ratio, perr := strconv.ParseFloat(string(raw), 64); perr == nil {
			return ratio, true, nil
		}
	}

	ratio, ok := g.store.UsedRatio(ctx)
	if !ok {
		g.log.Debug().Msg("quota unconfigured; admission stays open")
		return 0, false, nil
	}

	raw := strconv.FormatFloat(ratio, 'f', -1, 64)
	if err := g.cache.Set(ctx, cacheKey, []byte(raw), cacheTTL); err != nil {
		g.log.Warn().Err(err).Msg("quota cache write failed")
	}
	return ratio, true, nil
}
