package zilliz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/circuitbreaker"
	"github.com/policyguard/backend/pkg/logger"
	"github.com/policyguard/backend/pkg/retry"
)

var ErrNoEmbedder = errors.New("vector search requires an embedding route")

var outputFields = []string{"document_id", "section", "page", "text", "category", "published_at"}

// Client is a Milvus/Zilliz policy chunk index. Embeddings are expected to be
// normalized so the inner-product score is cosine similarity in [-1, 1].
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	MaxAttempts    int
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         20 * time.Second,
			HalfOpenRequests: 3,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
			OnStateChange:    metrics.RecordBreakerState,
		}),
		retryConfig: retry.Config{
			Name:           "milvus.search",
			MaxAttempts:    cfg.MaxAttempts,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Name() string {
	return "milvus"
}

func (z *Client) SupportsTagFilter() bool {
	return true
}

// EnsureCollection creates and loads the policy chunk collection when absent.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Official policy document chunks",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			{Name: "document_id", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: "section", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: "page", DataType: entity.FieldTypeInt64},
			{Name: "text", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "4096"}},
			{Name: "category", DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: "published_at", DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) Search(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.Candidate, error) {
	if req.Embedder == nil {
		return nil, ErrNoEmbedder
	}

	vector, err := req.Embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vector) != z.vectorDim {
		return nil, fmt.Errorf("query embedding has dim %d, collection expects %d", len(vector), z.vectorDim)
	}

	expr := ""
	if req.Filters.Category != "" {
		expr = fmt.Sprintf(`category == "%s"`, req.Filters.Category)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			var err error
			results, err = z.client.Search(
				ctx,
				z.collectionName,
				[]string{},
				expr,
				outputFields,
				[]entity.Vector{entity.FloatVector(vector)},
				"embedding",
				entity.IP,
				req.Filters.Limit,
				sp,
			)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var candidates []retrieval.Candidate
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			c, err := candidateAt(sr, i)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, c)
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("limit", req.Filters.Limit),
		zap.Int("results", len(candidates)),
		zap.String("filter", expr),
	)

	return candidates, nil
}

func candidateAt(sr client.SearchResult, i int) (retrieval.Candidate, error) {
	str := func(name string) (string, error) {
		col := sr.Fields.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("search result missing column %s", name)
		}
		v, err := col.Get(i)
		if err != nil {
			return "", err
		}
		s, _ := v.(string)
		return s, nil
	}
	num := func(name string) (int64, error) {
		col := sr.Fields.GetColumn(name)
		if col == nil {
			return 0, fmt.Errorf("search result missing column %s", name)
		}
		v, err := col.Get(i)
		if err != nil {
			return 0, err
		}
		n, _ := v.(int64)
		return n, nil
	}

	var c retrieval.Candidate
	var err error
	if c.DocumentID, err = str("document_id"); err != nil {
		return c, err
	}
	if c.Section, err = str("section"); err != nil {
		return c, err
	}
	if c.Text, err = str("text"); err != nil {
		return c, err
	}
	category, err := str("category")
	if err != nil {
		return c, err
	}
	page, err := num("page")
	if err != nil {
		return c, err
	}
	published, err := num("published_at")
	if err != nil {
		return c, err
	}

	c.Category = models.Category(category)
	c.Page = int(page)
	c.PublishedAt = time.Unix(published, 0).UTC()
	c.Score = clampScore(sr.Scores[i])
	return c, nil
}

// clampScore maps an inner-product score onto the [0, 1] relevance scale.
// Anti-correlated chunks score zero.
func clampScore(ip float32) float64 {
	return math.Max(0, math.Min(1, float64(ip)))
}
