package llm

import (
	"context"
	"fmt"
	"strings"
)

// InsufficientEvidence is the draft a generator returns when the excerpts do
// not answer the question.
const InsufficientEvidence = "INSUFFICIENT_EVIDENCE"

// Excerpt is a retrieved policy passage as handed to a generator.
type Excerpt struct {
	Locator string
	Text    string
}

// GenerationRequest carries the question and the retrieved excerpts. It has no
// free-form context field: a draft may only be built from retrieved text.
type GenerationRequest struct {
	Question string
	Excerpts []Excerpt
}

type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

type Classifier interface {
	// Classify returns one of labels, or "" when the backend answered with
	// something outside the label set.
	Classify(ctx context.Context, text string, labels []string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const policySystemPrompt = `You are a policy answer generation component.
Rules:
- Use only the provided policy excerpts.
- Do not use external knowledge.
- Do not interpret or extend policies.
- If the excerpts do not fully answer the question, respond with exactly:
  ` + InsufficientEvidence + `
- Do not provide advice or opinions.
- Cite the excerpt locator in square brackets after each sentence.`

// BuildPrompt renders the controlled prompt for a generation request.
func BuildPrompt(req GenerationRequest) (system, user string) {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(req.Question)
	b.WriteString("\n\nPolicy Excerpts:\n")
	for i, ex := range req.Excerpts {
		b.WriteString(fmt.Sprintf("\n[%s] (excerpt %d)\n%s\n", ex.Locator, i+1, ex.Text))
	}
	return policySystemPrompt, b.String()
}

func buildClassifyPrompt(text string, labels []string) (system, user string) {
	system = `You classify employee questions about company policy.
Answer with exactly one label from the list and nothing else.
Prefer an exclusion label whenever the question asks for an exception, personal data,
an opinion, a prediction, a hiring outcome, or non-policy company information.`
	user = fmt.Sprintf("Labels: %s\n\nQuestion: %s", strings.Join(labels, ", "), text)
	return system, user
}

// matchLabel maps a raw model answer onto the label set.
func matchLabel(answer string, labels []string) string {
	a := strings.ToLower(strings.Trim(strings.TrimSpace(answer), "`\"'. "))
	for _, l := range labels {
		if a == strings.ToLower(l) {
			return l
		}
	}
	return ""
}
