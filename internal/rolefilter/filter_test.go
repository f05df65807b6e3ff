package rolefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyguard/backend/internal/nlp"
	"github.com/policyguard/backend/internal/storage/models"
)

func answered(cat models.Category, text string, citations ...string) Answer {
	return Answer{
		Decision:  models.Decision{Outcome: models.OutcomeAnswered, Confidence: 0.9, ThresholdVersion: "v1"},
		Category:  cat,
		Text:      text,
		Citations: citations,
	}
}

func TestApply_EmployeeUnchanged(t *testing.T) {
	f := New(DefaultPolicy())
	a := answered(models.CategorySecurityIT, "Request VPN access through the IT portal.", "it-policy#2")

	got := f.Apply(a, models.RoleEmployee)
	assert.Equal(t, models.OutcomeAnswered, got.Decision.Outcome)
	assert.Equal(t, a.Text, got.Text)
	assert.Equal(t, a.Citations, got.Citations)
}

func TestApply_CandidateBlockedCategory(t *testing.T) {
	f := New(DefaultPolicy())
	a := answered(models.CategorySecurityIT, "Request system access through the IT portal.", "it-policy#2")

	got := f.Apply(a, models.RoleCandidate)
	assert.Equal(t, models.OutcomeRefused, got.Decision.Outcome)
	assert.Equal(t, models.ReasonRoleRestricted, got.Decision.Reason)
	assert.Equal(t, "v1", got.Decision.ThresholdVersion)
	assert.Empty(t, got.Text)
	assert.Empty(t, got.Citations)
}

func TestApply_CandidateRedactsSentences(t *testing.T) {
	f := New(DefaultPolicy())
	a := answered(models.CategoryOnboarding,
		"Orientation takes place on your first Monday. Your first performance review happens after six months.",
		"onboarding#1", "onboarding#3")
	a.Claims = []models.ClaimSupport{
		{Claim: "Orientation takes place on your first Monday.", Supported: true, Locator: "onboarding#1"},
		{Claim: "Your first performance review happens after six months.", Supported: true, Locator: "onboarding#3"},
	}

	got := f.Apply(a, models.RoleCandidate)
	require.Equal(t, models.OutcomeAnswered, got.Decision.Outcome)
	assert.Equal(t, "Orientation takes place on your first Monday.", got.Text)
	assert.Equal(t, []string{"onboarding#1"}, got.Citations)
	assert.Equal(t, 1, got.Redacted)
}

func TestApply_EverythingRedactedIsRestricted(t *testing.T) {
	f := New(DefaultPolicy())
	a := answered(models.CategoryCompliance, "Disciplinary action follows the escalation process.")

	got := f.Apply(a, models.RoleCandidate)
	assert.Equal(t, models.OutcomeRefused, got.Decision.Outcome)
	assert.Equal(t, models.ReasonRoleRestricted, got.Decision.Reason)
}

func TestApply_RefusalPassesThrough(t *testing.T) {
	f := New(DefaultPolicy())
	a := Answer{
		Decision: models.Decision{Outcome: models.OutcomeRefused, Reason: models.OutOfScopeReason(models.ExclusionPersonalData)},
		Category: models.CategorySecurityIT,
	}

	for _, role := range []models.Role{models.RoleEmployee, models.RoleCandidate, "contractor"} {
		got := f.Apply(a, role)
		assert.Equal(t, a.Decision, got.Decision, "role %s", role)
	}
}

func TestApply_UnknownRoleSeesNothing(t *testing.T) {
	f := New(DefaultPolicy())
	got := f.Apply(answered(models.CategoryBenefits, "Dental cover starts on day one."), "contractor")
	assert.Equal(t, models.ReasonRoleRestricted, got.Decision.Reason)
}

func TestApply_NeverWidens(t *testing.T) {
	f := New(DefaultPolicy())
	texts := []string{
		"Benefits start on day one. VPN tokens are issued by IT. Dental cover is included.",
		"The appraisal cycle is annual. Leave accrues monthly.",
		"Laptops are shipped before your start date.",
	}

	for _, text := range texts {
		for _, cat := range models.AllCategories {
			full := f.Apply(answered(cat, text, "a#1", "b#2"), models.RoleEmployee)
			cand := f.Apply(answered(cat, text, "a#1", "b#2"), models.RoleCandidate)

			if cand.Decision.Outcome != models.OutcomeAnswered {
				continue
			}
			fullSentences := map[string]struct{}{}
			for _, s := range nlp.Sentences(full.Text) {
				fullSentences[s] = struct{}{}
			}
			for _, s := range nlp.Sentences(cand.Text) {
				assert.Contains(t, fullSentences, s)
			}
			assert.Subset(t, full.Citations, cand.Citations)
		}
	}
}
