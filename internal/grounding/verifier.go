// Package grounding checks a draft answer claim by claim against the
// retrieved chunks. The score is the mean over claims of the relevance of each
// claim's supporting chunk, with unsupported claims contributing zero.
package grounding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/nlp"
	"github.com/policyguard/backend/internal/storage/models"
)

type Config struct {
	// ClaimOverlap is the fraction of a claim's content tokens that must
	// appear in one chunk for lexical support.
	ClaimOverlap float64
	// MinClaimTokens drops sentences too short to be a claim ("Sure.").
	MinClaimTokens int
	// Semantic enables embedding similarity as a second support test.
	Semantic          bool
	SemanticThreshold float64
	// MaxLengthRatio bounds the draft length relative to the combined
	// evidence text. A longer draft is treated as unsupported.
	MaxLengthRatio float64
}

func DefaultConfig() Config {
	return Config{
		ClaimOverlap:      0.6,
		MinClaimTokens:    2,
		Semantic:          false,
		SemanticThreshold: 0.85,
		MaxLengthRatio:    2,
	}
}

type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) *Verifier {
	def := DefaultConfig()
	if cfg.ClaimOverlap <= 0 || cfg.ClaimOverlap > 1 {
		cfg.ClaimOverlap = def.ClaimOverlap
	}
	if cfg.MinClaimTokens <= 0 {
		cfg.MinClaimTokens = def.MinClaimTokens
	}
	if cfg.SemanticThreshold <= 0 || cfg.SemanticThreshold > 1 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.MaxLengthRatio <= 0 {
		cfg.MaxLengthRatio = def.MaxLengthRatio
	}
	return &Verifier{cfg: cfg}
}

// Claims splits a draft into atomic claims. The insufficient-evidence
// sentinel has none.
func (v *Verifier) Claims(draft string) []string {
	if strings.TrimSpace(draft) == llm.InsufficientEvidence {
		return nil
	}
	var claims []string
	for _, s := range nlp.Sentences(draft) {
		if strings.Contains(s, llm.InsufficientEvidence) {
			continue
		}
		if len(nlp.ContentTokens(s)) < v.cfg.MinClaimTokens {
			continue
		}
		claims = append(claims, s)
	}
	return claims
}

// Verify is deterministic for identical inputs under a fixed embedder version.
// embedder may be nil; semantic support is then skipped.
func (v *Verifier) Verify(ctx context.Context, draft string, chunks []models.RetrievedChunk, embedder llm.Embedder) (models.GroundingAssessment, error) {
	claims := v.Claims(draft)
	if len(claims) == 0 || len(chunks) == 0 {
		return models.GroundingAssessment{Evaluated: false}, nil
	}

	evidence := make([]chunkEvidence, len(chunks))
	evidenceLen := 0
	for i, c := range chunks {
		evidence[i] = newChunkEvidence(c.Text)
		evidenceLen += len(c.Text)
	}

	if float64(len(draft)) > v.cfg.MaxLengthRatio*float64(evidenceLen) {
		return overlong(claims), nil
	}

	sem := &semanticIndex{embedder: embedder, chunks: chunks}
	if !v.cfg.Semantic {
		sem.embedder = nil
	}

	assessment := models.GroundingAssessment{Evaluated: true, FullySupported: true}
	cited := make(map[int]struct{})
	var total float64

	for _, claim := range claims {
		idx, ok := v.lexicalSupport(claim, chunks, evidence)
		if !ok && sem.embedder != nil {
			var err error
			idx, ok, err = sem.support(ctx, claim, evidence, v.cfg.SemanticThreshold)
			if err != nil {
				return models.GroundingAssessment{}, err
			}
		}

		support := models.ClaimSupport{Claim: claim, Supported: ok}
		if ok {
			support.Locator = chunks[idx].Locator()
			support.Weight = clamp01(chunks[idx].Score)
			total += support.Weight
			cited[idx] = struct{}{}
		} else {
			assessment.FullySupported = false
		}
		assessment.Claims = append(assessment.Claims, support)
	}

	assessment.Score = total / float64(len(claims))
	for i, c := range chunks {
		if _, ok := cited[i]; ok {
			assessment.CitedLocators = append(assessment.CitedLocators, c.Locator())
		}
	}

	return assessment, nil
}

// lexicalSupport returns the chunk with the highest token overlap, breaking
// ties by relevance and then rank.
func (v *Verifier) lexicalSupport(claim string, chunks []models.RetrievedChunk, evidence []chunkEvidence) (int, bool) {
	tokens := nlp.ContentTokens(claim)
	negated := nlp.Negated(claim)
	best, bestOverlap := -1, 0.0

	for i := range chunks {
		if !evidence[i].admits(tokens, negated) {
			continue
		}
		hits := 0
		for _, t := range tokens {
			if _, ok := evidence[i].tokens[t]; ok {
				hits++
			}
		}
		overlap := float64(hits) / float64(len(tokens))
		if best < 0 || overlap > bestOverlap || (overlap == bestOverlap && better(chunks[i], chunks[best])) {
			best, bestOverlap = i, overlap
		}
	}

	if best < 0 || bestOverlap < v.cfg.ClaimOverlap {
		return -1, false
	}
	return best, true
}

func better(a, b models.RetrievedChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Rank < b.Rank
}

type sentence struct {
	tokens  map[string]struct{}
	negated bool
}

type chunkEvidence struct {
	tokens    map[string]struct{}
	sentences []sentence
}

func newChunkEvidence(text string) chunkEvidence {
	ev := chunkEvidence{tokens: nlp.TokenSet(text)}
	for _, s := range nlp.Sentences(text) {
		ev.sentences = append(ev.sentences, sentence{tokens: nlp.TokenSet(s), negated: nlp.Negated(s)})
	}
	return ev
}

// admits reports whether the chunk may support a claim at all: every number
// in the claim appears in it, and the chunk sentence closest to the claim
// agrees with it on negation.
func (ev chunkEvidence) admits(claim []string, negated bool) bool {
	return numbersPresent(claim, ev.tokens) && polarityAgrees(claim, negated, ev.sentences)
}

// polarityAgrees compares the claim with the sentence sharing the most
// content tokens with it: "do not need to give notice" is not supported by
// "must give notice", nor the reverse.
func polarityAgrees(claim []string, negated bool, sentences []sentence) bool {
	best, bestHits := -1, 0
	for i, s := range sentences {
		hits := 0
		for _, t := range claim {
			if _, ok := s.tokens[t]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return !negated
	}
	return sentences[best].negated == negated
}

// overlong is the assessment of a draft much longer than its evidence: every
// claim is evaluated and none is supported.
func overlong(claims []string) models.GroundingAssessment {
	a := models.GroundingAssessment{Evaluated: true}
	for _, c := range claims {
		a.Claims = append(a.Claims, models.ClaimSupport{Claim: c})
	}
	return a
}

// numbersPresent requires every numeric token of a claim to appear in the
// chunk: "30 days" is not supported by a chunk that says "60 days".
func numbersPresent(claim []string, chunk map[string]struct{}) bool {
	for _, t := range claim {
		if !nlp.IsNumeric(t) {
			continue
		}
		if _, ok := chunk[t]; !ok {
			return false
		}
	}
	return true
}

type semanticIndex struct {
	embedder llm.Embedder
	chunks   []models.RetrievedChunk
	vectors  [][]float32
}

func (s *semanticIndex) support(ctx context.Context, claim string, evidence []chunkEvidence, threshold float64) (int, bool, error) {
	if s.vectors == nil {
		s.vectors = make([][]float32, len(s.chunks))
		for i, c := range s.chunks {
			vec, err := s.embedder.Embed(ctx, c.Text)
			if err != nil {
				return -1, false, fmt.Errorf("failed to embed chunk %s: %w", c.Locator(), err)
			}
			s.vectors[i] = vec
		}
	}

	cv, err := s.embedder.Embed(ctx, claim)
	if err != nil {
		return -1, false, fmt.Errorf("failed to embed claim: %w", err)
	}

	tokens := nlp.ContentTokens(claim)
	negated := nlp.Negated(claim)
	best, bestSim := -1, 0.0
	for i := range s.chunks {
		if !evidence[i].admits(tokens, negated) {
			continue
		}
		sim := cosineSimilarity(cv, s.vectors[i])
		if best < 0 || sim > bestSim || (sim == bestSim && better(s.chunks[i], s.chunks[best])) {
			best, bestSim = i, sim
		}
	}

	if best < 0 || bestSim < threshold {
		return -1, false, nil
	}
	return best, true, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
