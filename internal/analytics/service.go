// Package analytics serves the read side of the engine: rankings,
// trends, heatmaps, KPIs, and profiles computed from the monthly
// rollups and raw history. Everything here is side-effect-free and
// cacheable; results are dropped from cache after each recomputation.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/stats"
)

// DefaultCacheTTL bounds staleness between recomputations.
const DefaultCacheTTL = 5 * time.Minute

// Service computes analytics views.
type Service struct {
	repo     domain.Repository
	history  *consumption.History
	cache    domain.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService creates the analytics service. cache may be nil.
func NewService(repo domain.Repository, history *consumption.History, cache domain.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		history:  history,
		cache:    cache,
		cacheTTL: DefaultCacheTTL,
		logger:   logger,
	}
}

// cached runs compute through the cache. Cache failures degrade to a
// direct computation, never to an error.
func cached[T any](ctx context.Context, s *Service, key string, compute func(context.Context) (*T, error)) (*T, error) {
	if s.cache == nil {
		return compute(ctx)
	}

	key = stats.CachePrefix + key
	if raw, err := s.cache.Get(ctx, key); err == nil && raw != nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v, nil
		}
	}

	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(v); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.Debug("analytics cache set failed", "key", key, "error", err)
		}
	}
	return v, nil
}

func periodKey(kind string, year, month int, extra string) string {
	return fmt.Sprintf("%s:%04d-%02d:%s", kind, year, month, extra)
}
