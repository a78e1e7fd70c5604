package fees

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"pledger/internal/ledger"
	platformredis "pledger/internal/platform/redis"
	"pledger/pkg/domain"
)

const (
	statsCacheKey = "pledger:fee_stats"
	statsCacheTTL = 30 * time.Second
)

// StatsSource provides current network fee statistics; the ledger gateway
// implements it.
type StatsSource interface {
	FeeStats(ctx context.Context) (ledger.FeeStats, error)
}

// Advisor recommends a per-operation base fee for a pending submission given
// network congestion and a requested priority. It has no side effects beyond
// an optional stats cache and always produces a usable fee: when the
// advisory source is down it falls back to the configured static minimum.
type Advisor struct {
	stats      StatsSource
	cache      *platformredis.Client
	minBaseFee int64
	log        *log.Logger
}

// NewAdvisor builds an advisor. cache may be nil (no Redis configured).
func NewAdvisor(stats StatsSource, cache *platformredis.Client, minBaseFee int64, logger *log.Logger) *Advisor {
	return &Advisor{stats: stats, cache: cache, minBaseFee: minBaseFee, log: logger}
}

// Recommend maps a priority onto the current fee percentiles:
// low -> p10, medium -> p50, high -> p90, floored at the static minimum.
func (a *Advisor) Recommend(ctx context.Context, priority domain.Priority) int64 {
	stats, ok := a.loadStats(ctx)
	if !ok {
		return a.minBaseFee
	}

	var fee int64
	switch priority {
	case domain.PriorityLow:
		fee = stats.P10
	case domain.PriorityHigh:
		fee = stats.P90
	default:
		fee = stats.P50
	}
	if fee < stats.LastBaseFee {
		fee = stats.LastBaseFee
	}
	if fee < a.minBaseFee {
		fee = a.minBaseFee
	}
	return fee
}

// Escalate returns the lowest percentile tier strictly above the current
// bid, or double the bid when the stats offer nothing higher.
func (a *Advisor) Escalate(ctx context.Context, current int64) int64 {
	if stats, ok := a.loadStats(ctx); ok {
		for _, tier := range []int64{stats.P10, stats.P50, stats.P90} {
			if tier > current {
				return tier
			}
		}
	}
	return current * 2
}

func (a *Advisor) loadStats(ctx context.Context) (ledger.FeeStats, bool) {
	if cached, ok := a.cachedStats(ctx); ok {
		return cached, true
	}

	stats, err := a.stats.FeeStats(ctx)
	if err != nil {
		a.log.Printf("fee stats unavailable, using static minimum %d: %v", a.minBaseFee, err)
		return ledger.FeeStats{}, false
	}
	a.cacheStats(ctx, stats)
	return stats, true
}

func (a *Advisor) cachedStats(ctx context.Context) (ledger.FeeStats, bool) {
	if a.cache == nil {
		return ledger.FeeStats{}, false
	}
	raw, err := a.cache.Get(ctx, statsCacheKey).Bytes()
	if err != nil {
		return ledger.FeeStats{}, false
	}
	var stats ledger.FeeStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return ledger.FeeStats{}, false
	}
	return stats, true
}

func (a *Advisor) cacheStats(ctx context.Context, stats ledger.FeeStats) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, statsCacheKey, raw, statsCacheTTL).Err(); err != nil {
		a.log.Printf("fee stats cache write failed: %v", err)
	}
}
