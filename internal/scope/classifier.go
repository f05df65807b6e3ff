// Package scope decides whether a query belongs to an answerable policy
// category before any retrieval happens. When uncertain it classifies toward
// OUT_OF_SCOPE: a false refusal is acceptable, a false answer is not.
package scope

import (
	"context"
	"fmt"

	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/nlp"
	"github.com/policyguard/backend/internal/storage/models"
)

type Classifier struct {
	// precedence lists the enabled categories, most restrictive first.
	precedence []models.Category
	rank       map[models.Category]int
}

// NewClassifier enables the given categories in restrictiveness order. An
// empty list enables models.AllCategories.
func NewClassifier(precedence []models.Category) *Classifier {
	if len(precedence) == 0 {
		precedence = models.AllCategories
	}
	rank := make(map[models.Category]int, len(precedence))
	for i, c := range precedence {
		rank[c] = i
	}
	return &Classifier{precedence: precedence, rank: rank}
}

// Labels is the label set offered to a model-backed classifier.
func (c *Classifier) Labels() []string {
	labels := make([]string, 0, len(c.precedence)+len(exclusionRules))
	for _, cat := range c.precedence {
		labels = append(labels, string(cat))
	}
	for _, r := range exclusionRules {
		labels = append(labels, string(r.class))
	}
	return labels
}

// ClassifyRules is the deterministic classification.
func (c *Classifier) ClassifyRules(text string) models.ScopeResult {
	norm := nlp.Normalize(text)
	if norm == "" {
		return models.OutOfScope(models.ExclusionNonPolicy, "empty")
	}

	for _, rule := range exclusionRules {
		for _, p := range rule.phrases {
			if nlp.ContainsPhrase(norm, p) {
				return models.OutOfScope(rule.class, p)
			}
		}
		for _, re := range rule.patterns {
			if m := re.FindString(norm); m != "" {
				return models.OutOfScope(rule.class, m)
			}
		}
	}

	best := models.Category("")
	bestHits := 0
	signal := ""
	for _, cat := range c.precedence {
		hits, first := 0, ""
		for _, kw := range categoryKeywords[cat] {
			if nlp.ContainsPhrase(norm, kw) {
				if hits == 0 {
					first = kw
				}
				hits++
			}
		}
		// Strictly greater keeps the earlier, more restrictive category on ties.
		if hits > bestHits {
			best, bestHits, signal = cat, hits, first
		}
	}

	if bestHits == 0 {
		return models.OutOfScope(models.ExclusionNonPolicy, "no policy keyword")
	}
	return models.InScope(best, signal)
}

// Classify runs the rules and, when model is non-nil and the rules found the
// query in scope, asks the model for a second opinion. The model can only
// narrow the result.
func (c *Classifier) Classify(ctx context.Context, text string, model llm.Classifier) (models.ScopeResult, error) {
	result := c.ClassifyRules(text)
	if !result.InScope || model == nil {
		return result, nil
	}

	label, err := model.Classify(ctx, text, c.Labels())
	if err != nil {
		return models.ScopeResult{}, fmt.Errorf("scope model: %w", err)
	}

	return c.narrow(result, label), nil
}

func (c *Classifier) narrow(rule models.ScopeResult, label string) models.ScopeResult {
	if label == "" {
		return models.OutOfScope(models.ExclusionNonPolicy, "model:unrecognized")
	}
	for _, r := range exclusionRules {
		if label == string(r.class) {
			return models.OutOfScope(r.class, "model:"+label)
		}
	}

	cat := models.Category(label)
	modelRank, ok := c.rank[cat]
	if !ok {
		return models.OutOfScope(models.ExclusionNonPolicy, "model:"+label)
	}
	if modelRank < c.rank[rule.Category] {
		return models.InScope(cat, "model:"+label)
	}
	return rule
}
