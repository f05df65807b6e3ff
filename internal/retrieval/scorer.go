package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

// Filters restrict an index search. Category is honored only by indexes that
// report SupportsTagFilter.
type Filters struct {
	Category models.Category
	Limit    int
}

// Candidate is one raw hit from a retrieval index.
type Candidate struct {
	DocumentID  string
	Section     string
	Page        int
	Text        string
	Score       float64
	Category    models.Category
	PublishedAt time.Time
}

// SearchRequest is one index query. Embedder is the request's routed
// embedding model; keyword indexes ignore it.
type SearchRequest struct {
	Text     string
	Filters  Filters
	Embedder llm.Embedder
}

type Index interface {
	Search(ctx context.Context, req SearchRequest) ([]Candidate, error)
	SupportsTagFilter() bool
	Name() string
}

type Config struct {
	TopK         int
	MinRelevance float64
	// Overfetch multiplies TopK when the index cannot filter by category and
	// results are filtered client side.
	Overfetch int
	// MinDocs and MinTopScore decide whether the kept chunks are enough
	// evidence at all. Below either, Retrieve returns no chunks.
	MinDocs     int
	MinTopScore float64
}

func DefaultConfig() Config {
	return Config{TopK: 8, MinRelevance: 0.5, Overfetch: 4, MinDocs: 1, MinTopScore: 0.6}
}

type Scorer struct {
	index Index
	cfg   Config
}

func NewScorer(index Index, cfg Config) *Scorer {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 4
	}
	if cfg.MinDocs <= 0 {
		cfg.MinDocs = 1
	}
	return &Scorer{index: index, cfg: cfg}
}

// Retrieve returns at most TopK chunks for the category, ordered by score then
// recency then document id. An empty result is not an error.
func (s *Scorer) Retrieve(ctx context.Context, text string, category models.Category, embedder llm.Embedder) ([]models.RetrievedChunk, error) {
	filters := Filters{Limit: s.cfg.TopK}
	clientSide := !s.index.SupportsTagFilter()
	if clientSide {
		filters.Limit = s.cfg.TopK * s.cfg.Overfetch
	} else {
		filters.Category = category
	}

	candidates, err := s.index.Search(ctx, SearchRequest{Text: text, Filters: filters, Embedder: embedder})
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", s.index.Name(), err)
	}

	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Category != category {
			continue
		}
		if c.Score < s.cfg.MinRelevance {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return less(kept[i], kept[j])
	})

	if len(kept) > s.cfg.TopK {
		kept = kept[:s.cfg.TopK]
	}

	if !s.sufficient(kept) {
		logger.Debug("Retrieved evidence insufficient",
			zap.String("index", s.index.Name()),
			zap.String("category", string(category)),
			zap.Int("kept", len(kept)),
			zap.Int("min_docs", s.cfg.MinDocs),
		)
		return []models.RetrievedChunk{}, nil
	}

	chunks := make([]models.RetrievedChunk, len(kept))
	for i, c := range kept {
		chunks[i] = models.RetrievedChunk{
			DocumentID:  c.DocumentID,
			Section:     c.Section,
			Page:        c.Page,
			Text:        c.Text,
			Score:       c.Score,
			Rank:        i + 1,
			Category:    c.Category,
			PublishedAt: c.PublishedAt,
		}
	}

	logger.Debug("Retrieval scored",
		zap.String("index", s.index.Name()),
		zap.String("category", string(category)),
		zap.Bool("client_side_filter", clientSide),
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(chunks)),
	)

	return chunks, nil
}

// sufficient expects kept in rank order.
func (s *Scorer) sufficient(kept []Candidate) bool {
	if len(kept) < s.cfg.MinDocs {
		return false
	}
	return kept[0].Score >= s.cfg.MinTopScore
}

func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	if a.Section != b.Section {
		return a.Section < b.Section
	}
	return a.Page < b.Page
}
