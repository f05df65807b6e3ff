package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/policyguard/backend/internal/gate"
	"github.com/policyguard/backend/internal/grounding"
	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/rolefilter"
	"github.com/policyguard/backend/internal/scope"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/config"
)

type ScopeClassifier interface {
	Classify(ctx context.Context, text string, model llm.Classifier) (models.ScopeResult, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, text string, category models.Category, embedder llm.Embedder) ([]models.RetrievedChunk, error)
}

type Verifier interface {
	Verify(ctx context.Context, draft string, chunks []models.RetrievedChunk, embedder llm.Embedder) (models.GroundingAssessment, error)
}

type RoleFilter interface {
	Apply(a rolefilter.Answer, role models.Role) rolefilter.Result
}

// Settings is an immutable snapshot. A query reads it once at start; reloads
// publish a new value instead of mutating this one.
type Settings struct {
	Version     string
	Thresholds  gate.Thresholds
	Scope       ScopeClassifier
	ModelAssist bool
	Retriever   Retriever
	Verifier    Verifier
	RoleFilter  RoleFilter
	Timeout     time.Duration
}

func (s *Settings) Validate() error {
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}
	if s.Scope == nil || s.Retriever == nil || s.Verifier == nil || s.RoleFilter == nil {
		return fmt.Errorf("pipeline settings %s: missing component", s.Version)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("pipeline settings %s: timeout must be positive", s.Version)
	}
	return nil
}

// SettingsFromConfig builds the components of one snapshot over index.
func SettingsFromConfig(cfg *config.Config, index retrieval.Index) (*Settings, error) {
	cats := make([]models.Category, 0, len(cfg.Scope.Categories))
	for _, c := range cfg.Scope.Categories {
		cats = append(cats, models.Category(c))
	}

	policy := rolefilter.Policy{
		Allowed:    make(map[models.Role][]models.Category),
		Restricted: make(map[models.Role][]string),
	}
	for name, rc := range cfg.Roles {
		role, err := models.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("roles: %w", err)
		}
		for _, c := range rc.Allowed {
			policy.Allowed[role] = append(policy.Allowed[role], models.Category(c))
		}
		policy.Restricted[role] = append(policy.Restricted[role], rc.Restricted...)
	}

	s := &Settings{
		Version: cfg.Version,
		Thresholds: gate.Thresholds{
			Version:      cfg.Gate.Version,
			AnswerCutoff: cfg.Gate.AnswerCutoff,
			ClarifyFloor: cfg.Gate.ClarifyFloor,
		},
		Scope:       scope.NewClassifier(cats),
		ModelAssist: cfg.Scope.ModelAssist,
		Retriever: retrieval.NewScorer(index, retrieval.Config{
			TopK:         cfg.Retrieval.TopK,
			MinRelevance: cfg.Retrieval.MinRelevance,
			Overfetch:    cfg.Retrieval.Overfetch,
			MinDocs:      cfg.Retrieval.MinDocs,
			MinTopScore:  cfg.Retrieval.MinTopScore,
		}),
		Verifier: grounding.NewVerifier(grounding.Config{
			ClaimOverlap:      cfg.Grounding.ClaimOverlap,
			MinClaimTokens:    cfg.Grounding.MinClaimTokens,
			Semantic:          cfg.Grounding.Semantic,
			SemanticThreshold: cfg.Grounding.SemanticThreshold,
			MaxLengthRatio:    cfg.Grounding.MaxLengthRatio,
		}),
		RoleFilter: rolefilter.New(policy),
		Timeout:    cfg.Pipeline.Timeout,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
