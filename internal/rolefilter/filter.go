// Package rolefilter applies role permissions to a settled decision. It runs
// after the gate, so refusal reasons are the same for every role; only the
// content of an ANSWERED response is redacted.
package rolefilter

import (
	"strings"

	"github.com/policyguard/backend/internal/nlp"
	"github.com/policyguard/backend/internal/storage/models"
)

// Policy maps each role to the categories it may read and the topics that are
// redacted from its answers. A role absent from Allowed may read nothing.
type Policy struct {
	Allowed    map[models.Role][]models.Category
	Restricted map[models.Role][]string
}

func DefaultPolicy() Policy {
	return Policy{
		Allowed: map[models.Role][]models.Category{
			models.RoleEmployee: models.AllCategories,
			models.RoleCandidate: {
				models.CategoryHREmployment,
				models.CategoryBenefits,
				models.CategoryCompliance,
				models.CategoryOnboarding,
			},
		},
		Restricted: map[models.Role][]string{
			models.RoleCandidate: {
				"disciplinary action",
				"internal investigation",
				"performance review",
				"appraisal",
				"salary structure",
				"internal reimbursement",
				"system access",
				"it access",
				"vpn",
				"escalation process",
			},
		},
	}
}

// Answer is the pipeline's response before role filtering.
type Answer struct {
	Decision  models.Decision
	Category  models.Category
	Text      string
	Citations []string
	Claims    []models.ClaimSupport
}

// Result is the filtered response. Redacted counts removed sentences.
type Result struct {
	Decision  models.Decision
	Text      string
	Citations []string
	Redacted  int
}

type Filter struct {
	allowed    map[models.Role]map[models.Category]struct{}
	restricted map[models.Role][]string
}

func New(p Policy) *Filter {
	f := &Filter{
		allowed:    make(map[models.Role]map[models.Category]struct{}, len(p.Allowed)),
		restricted: make(map[models.Role][]string, len(p.Restricted)),
	}
	for role, cats := range p.Allowed {
		set := make(map[models.Category]struct{}, len(cats))
		for _, c := range cats {
			set[c] = struct{}{}
		}
		f.allowed[role] = set
	}
	for role, topics := range p.Restricted {
		for _, t := range topics {
			if n := nlp.Normalize(t); n != "" {
				f.restricted[role] = append(f.restricted[role], n)
			}
		}
	}
	return f
}

func (f *Filter) Permits(role models.Role, c models.Category) bool {
	_, ok := f.allowed[role][c]
	return ok
}

// Apply filters a for role. The result never carries a sentence or citation
// that was not in a.
func (f *Filter) Apply(a Answer, role models.Role) Result {
	if a.Decision.Outcome != models.OutcomeAnswered {
		return Result{Decision: a.Decision, Text: a.Text, Citations: a.Citations}
	}
	if !f.Permits(role, a.Category) {
		return restricted(a.Decision)
	}

	topics := f.restricted[role]
	if len(topics) == 0 {
		return Result{Decision: a.Decision, Text: a.Text, Citations: a.Citations}
	}

	sentences := nlp.Sentences(a.Text)
	var kept []string
	dropped := make(map[string]struct{})
	for _, s := range sentences {
		if mentionsAny(nlp.Normalize(s), topics) {
			dropped[s] = struct{}{}
			continue
		}
		kept = append(kept, s)
	}

	if len(dropped) == 0 {
		return Result{Decision: a.Decision, Text: a.Text, Citations: a.Citations}
	}
	if !substantive(kept) {
		return restricted(a.Decision)
	}

	return Result{
		Decision:  a.Decision,
		Text:      strings.Join(kept, " "),
		Citations: keptCitations(a, dropped),
		Redacted:  len(sentences) - len(kept),
	}
}

// keptCitations drops locators that only supported redacted claims.
func keptCitations(a Answer, dropped map[string]struct{}) []string {
	if len(a.Claims) == 0 {
		return a.Citations
	}
	live := make(map[string]struct{})
	for _, c := range a.Claims {
		if !c.Supported {
			continue
		}
		if _, gone := dropped[c.Claim]; gone {
			continue
		}
		live[c.Locator] = struct{}{}
	}
	var out []string
	for _, loc := range a.Citations {
		if _, ok := live[loc]; ok {
			out = append(out, loc)
		}
	}
	return out
}

func mentionsAny(normalized string, topics []string) bool {
	for _, t := range topics {
		if nlp.ContainsPhrase(normalized, t) {
			return true
		}
	}
	return false
}

func substantive(sentences []string) bool {
	for _, s := range sentences {
		if len(nlp.ContentTokens(s)) > 0 {
			return true
		}
	}
	return false
}

func restricted(d models.Decision) Result {
	return Result{
		Decision: models.Decision{
			Outcome:          models.OutcomeRefused,
			Reason:           models.ReasonRoleRestricted,
			Confidence:       d.Confidence,
			ThresholdVersion: d.ThresholdVersion,
		},
	}
}
