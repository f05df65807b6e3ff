package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/nlp"
	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/circuitbreaker"
	"github.com/policyguard/backend/pkg/logger"
	"github.com/policyguard/backend/pkg/retry"
)

const fulltextIndex = "policy_chunk_text"

// Client is a keyword index over (:PolicyChunk) nodes backed by a Neo4j
// full-text index. Lucene scores are unbounded; they are mapped to [0, 1)
// with s/(1+s) so the same minimum relevance applies to every index.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Config struct {
	URI         string
	Username    string
	Password    string
	Database    string
	MaxAttempts int
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))

	return &Client{
		driver:   driver,
		database: cfg.Database,
		cb: circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         20 * time.Second,
			HalfOpenRequests: 3,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
			OnStateChange:    metrics.RecordBreakerState,
		}),
		retryConfig: retry.Config{
			Name:           "neo4j.search",
			MaxAttempts:    cfg.MaxAttempts,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Name() string {
	return "neo4j"
}

func (c *Client) SupportsTagFilter() bool {
	return true
}

func (c *Client) EnsureIndex(ctx context.Context) error {
	query := fmt.Sprintf(
		"CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (c:PolicyChunk) ON EACH [c.text]",
		fulltextIndex,
	)
	_, err := neo4j.ExecuteQuery(ctx, c.driver, query, nil,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(c.database),
	)
	if err != nil {
		return fmt.Errorf("failed to create full-text index: %w", err)
	}
	logger.Info("Neo4j full-text index ready", zap.String("index", fulltextIndex))
	return nil
}

// luceneQuery keeps only content tokens so user text cannot inject Lucene
// syntax. Tokens are OR-ed.
func luceneQuery(text string) string {
	return strings.Join(nlp.ContentTokens(text), " ")
}

func (c *Client) Search(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.Candidate, error) {
	q := luceneQuery(req.Text)
	if q == "" {
		return nil, nil
	}

	query := `
		CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
		WHERE $category = '' OR node.category = $category
		RETURN node.document_id AS document_id,
		       node.section AS section,
		       coalesce(node.page, 0) AS page,
		       node.text AS text,
		       node.category AS category,
		       coalesce(node.published_at, 0) AS published_at,
		       score
		ORDER BY score DESC
		LIMIT $limit
	`
	params := map[string]any{
		"index":    fulltextIndex,
		"query":    q,
		"category": string(req.Filters.Category),
		"limit":    int64(req.Filters.Limit),
	}

	var result *neo4j.EagerResult
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			var err error
			result, err = neo4j.ExecuteQuery(ctx, c.driver, query, params,
				neo4j.EagerResultTransformer,
				neo4j.ExecuteQueryWithDatabase(c.database),
				neo4j.ExecuteQueryWithReadersRouting(),
			)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}

	candidates := make([]retrieval.Candidate, 0, len(result.Records))
	for _, record := range result.Records {
		candidates = append(candidates, candidateFrom(record))
	}

	logger.Debug("Full-text search completed",
		zap.Int("results", len(candidates)),
		zap.String("category", string(req.Filters.Category)),
	)

	return candidates, nil
}

func candidateFrom(record *neo4j.Record) retrieval.Candidate {
	str := func(key string) string {
		v, _ := record.Get(key)
		s, _ := v.(string)
		return s
	}
	num := func(key string) int64 {
		v, _ := record.Get(key)
		n, _ := v.(int64)
		return n
	}
	score := 0.0
	if v, ok := record.Get("score"); ok {
		score, _ = v.(float64)
	}

	return retrieval.Candidate{
		DocumentID:  str("document_id"),
		Section:     str("section"),
		Page:        int(num("page")),
		Text:        str("text"),
		Category:    models.Category(str("category")),
		PublishedAt: time.Unix(num("published_at"), 0).UTC(),
		Score:       normalizeScore(score),
	}
}

func normalizeScore(s float64) float64 {
	if s <= 0 {
		return 0
	}
	return s / (1 + s)
}
