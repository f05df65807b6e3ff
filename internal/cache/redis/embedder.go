package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/pkg/logger"
	"github.com/policyguard/backend/pkg/utils"
)

type EmbeddingStore interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder memoizes an Embedder. Keys include the route identifier so
// vectors from different models never mix. Cache errors degrade to a direct
// call.
type CachedEmbedder struct {
	inner     llm.Embedder
	store     EmbeddingStore
	namespace string
	ttl       time.Duration
}

func NewCachedEmbedder(inner llm.Embedder, store EmbeddingStore, namespace string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, store: store, namespace: namespace, ttl: ttl}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.Fingerprint(e.namespace, text)

	vec, ok, err := e.store.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vec, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vec, err = e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetEmbedding(ctx, key, vec, e.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
