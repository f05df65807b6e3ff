package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/router"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/config"
	"github.com/policyguard/backend/pkg/logger"
)

// ErrIndexChanged rejects a reload that names a different retrieval backend
// than the one the process started with.
var ErrIndexChanged = errors.New("retrieval backend cannot change on reload")

type ConfigSource interface {
	Load() (*config.Config, error)
}

type RouteLoader interface {
	Load(t router.Table) error
}

// EmbeddingCache holds vectors keyed by the embedding route that produced
// them.
type EmbeddingCache interface {
	InvalidateEmbeddings(ctx context.Context) (int, error)
}

type ReloadResult struct {
	ConfigVersion    string            `json:"config_version"`
	RouteVersion     string            `json:"route_version"`
	ThresholdVersion string            `json:"threshold_version"`
	Routes           map[string]string `json:"routes"`
}

// Reloader rebuilds the routing table and the settings snapshot from config.
// Settings are built and validated before anything is published. The
// retrieval index is fixed for the life of the process.
type Reloader struct {
	mu     sync.Mutex
	source ConfigSource
	engine *Engine
	routes RouteLoader
	index  retrieval.Index
	cache  EmbeddingCache
}

func NewReloader(source ConfigSource, engine *Engine, routes RouteLoader, index retrieval.Index) *Reloader {
	return &Reloader{source: source, engine: engine, routes: routes, index: index}
}

// WithEmbeddingCache drops cached vectors whenever a reload moves the
// embedding route to another model, since they can never be hit again.
func (r *Reloader) WithEmbeddingCache(c EmbeddingCache) *Reloader {
	r.cache = c
	return r
}

func (r *Reloader) Reload() (ReloadResult, error) {
	cfg, err := r.source.Load()
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		logger.Warn("Config reload rejected", zap.Error(err))
		return ReloadResult{}, err
	}
	return r.Apply(cfg)
}

func (r *Reloader) Apply(cfg *config.Config) (ReloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Retrieval.Backend != r.index.Name() {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		err := fmt.Errorf("%w: running %s, config names %s", ErrIndexChanged, r.index.Name(), cfg.Retrieval.Backend)
		logger.Warn("Config reload rejected", zap.Error(err))
		return ReloadResult{}, err
	}

	settings, err := SettingsFromConfig(cfg, r.index)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		logger.Warn("Config reload rejected", zap.Error(err))
		return ReloadResult{}, err
	}

	before := embeddingRoute(r.engine.current.Load().routes)

	table := RouteTable(cfg)
	if err := r.routes.Load(table); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		logger.Warn("Route table reload rejected", zap.Error(err))
		return ReloadResult{}, err
	}

	if err := r.engine.UpdateSettings(settings); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return ReloadResult{}, err
	}

	released := r.engine.current.Load().routes
	if after := embeddingRoute(released); after != before {
		r.invalidateEmbeddings(before, after)
	}

	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	return ReloadResult{
		ConfigVersion:    settings.Version,
		RouteVersion:     released.Version(),
		ThresholdVersion: settings.Thresholds.Version,
		Routes:           released.Identifiers(),
	}, nil
}

// invalidateEmbeddings never fails the reload: stale vectors are keyed by the
// old identifier and only cost memory.
func (r *Reloader) invalidateEmbeddings(before, after string) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	removed, err := r.cache.InvalidateEmbeddings(ctx)
	if err != nil {
		logger.Warn("Embedding cache invalidation failed",
			zap.String("from", before),
			zap.String("to", after),
			zap.Error(err),
		)
		return
	}
	logger.Info("Embedding route changed",
		zap.String("from", before),
		zap.String("to", after),
		zap.Int("cached_vectors_removed", removed),
	)
}

func embeddingRoute(s *router.Snapshot) string {
	route, ok := s.Route(router.RouteEmbedding)
	if !ok {
		return ""
	}
	return route.Identifier()
}

func RouteTable(cfg *config.Config) router.Table {
	t := router.Table{
		Version: cfg.Models.Version,
		Routes:  make(map[string]models.ModelRoute, len(cfg.Models.Routes)),
	}
	for name, rc := range cfg.Models.Routes {
		t.Routes[name] = models.ModelRoute{
			Logical: name,
			Backend: rc.Backend,
			Model:   rc.Model,
			Version: rc.Version,
		}
	}
	return t
}
