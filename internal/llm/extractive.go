package llm

import (
	"context"
	"strings"

	"github.com/policyguard/backend/internal/nlp"
)

// ExtractiveGenerator drafts answers by quoting the excerpt sentences that
// overlap the question. It needs no model and is the offline backend.
type ExtractiveGenerator struct {
	MaxSentences int
	// MinOverlap is the fraction of question content tokens a sentence must share.
	MinOverlap float64
}

func NewExtractiveGenerator(maxSentences int, minOverlap float64) *ExtractiveGenerator {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	if minOverlap <= 0 {
		minOverlap = 0.3
	}
	return &ExtractiveGenerator{MaxSentences: maxSentences, MinOverlap: minOverlap}
}

func (g *ExtractiveGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	question := nlp.ContentTokens(req.Question)
	if len(question) == 0 || len(req.Excerpts) == 0 {
		return InsufficientEvidence, nil
	}

	var picked []string
	for _, ex := range req.Excerpts {
		for _, sentence := range nlp.Sentences(ex.Text) {
			if overlap(question, nlp.TokenSet(sentence)) < g.MinOverlap {
				continue
			}
			picked = append(picked, sentence+" ["+ex.Locator+"]")
			if len(picked) == g.MaxSentences {
				return strings.Join(picked, " "), nil
			}
		}
	}

	if len(picked) == 0 {
		return InsufficientEvidence, nil
	}
	return strings.Join(picked, " "), nil
}

func overlap(tokens []string, set map[string]struct{}) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}
