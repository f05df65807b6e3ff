package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyguard/backend/internal/storage/models"
)

func assessed(score float64, full bool) models.GroundingAssessment {
	return models.GroundingAssessment{Score: score, FullySupported: full, Evaluated: true}
}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name    string
		in      models.GroundingAssessment
		outcome models.Outcome
		reason  models.ReasonCode
	}{
		{"answered", assessed(0.95, true), models.OutcomeAnswered, models.ReasonNone},
		{"exactly at cutoff", assessed(0.8, true), models.OutcomeAnswered, models.ReasonNone},
		{"high but not fully supported", assessed(0.9, false), models.OutcomeClarificationRequested, models.ReasonAmbiguousEvidence},
		{"middle band", assessed(0.5, true), models.OutcomeClarificationRequested, models.ReasonAmbiguousEvidence},
		{"exactly at floor", assessed(0.3, false), models.OutcomeClarificationRequested, models.ReasonAmbiguousEvidence},
		{"below floor", assessed(0.29, true), models.OutcomeRefused, models.ReasonInsufficientGrounding},
		{"not evaluated", models.GroundingAssessment{Score: 0.99, FullySupported: true}, models.OutcomeRefused, models.ReasonInsufficientGrounding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in, th)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, "default", d.ThresholdVersion)
		})
	}
}

func rank(o models.Outcome) int {
	switch o {
	case models.OutcomeRefused:
		return 0
	case models.OutcomeClarificationRequested:
		return 1
	default:
		return 2
	}
}

func TestDecide_Monotonic(t *testing.T) {
	th := Thresholds{Version: "v", AnswerCutoff: 0.7, ClarifyFloor: 0.4}

	for _, full := range []bool{true, false} {
		prev := -1
		for i := 0; i <= 100; i++ {
			d := Decide(assessed(float64(i)/100, full), th)
			r := rank(d.Outcome)
			require.GreaterOrEqual(t, r, prev, "score %.2f full=%v", float64(i)/100, full)
			prev = r
		}
	}
}

func TestDecide_Idempotent(t *testing.T) {
	th := DefaultThresholds()
	in := assessed(0.62, true)
	first := Decide(in, th)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(in, th))
	}
}

func TestMachine_AnsweredPath(t *testing.T) {
	m := NewMachine(DefaultThresholds())

	require.NoError(t, m.Scoped(models.InScope(models.CategoryHREmployment, "resignation")))
	require.NoError(t, m.Retrieved(1))
	require.NoError(t, m.Drafted())
	require.NoError(t, m.Verified(assessed(0.95, true)))

	d, ok := m.Decision()
	require.True(t, ok)
	assert.Equal(t, models.OutcomeAnswered, d.Outcome)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Equal(t, []State{StateStart, StateScoped, StateRetrieved, StateDrafted, StateVerified, StateAnswered}, m.Path())
}

func TestMachine_OutOfScopeShortCircuits(t *testing.T) {
	m := NewMachine(DefaultThresholds())

	require.NoError(t, m.Scoped(models.OutOfScope(models.ExclusionPolicyException, "waive")))

	d, ok := m.Decision()
	require.True(t, ok)
	assert.Equal(t, models.OutcomeRefused, d.Outcome)
	assert.Equal(t, models.ReasonCode("out_of_scope:policy_exception"), d.Reason)

	assert.ErrorIs(t, m.Retrieved(3), ErrIllegalTransition)
}

func TestMachine_NoEvidence(t *testing.T) {
	m := NewMachine(DefaultThresholds())
	require.NoError(t, m.Scoped(models.InScope(models.CategoryBenefits, "leave")))
	require.NoError(t, m.Retrieved(0))

	d, ok := m.Decision()
	require.True(t, ok)
	assert.Equal(t, models.ReasonNoEvidence, d.Reason)
	assert.ErrorIs(t, m.Drafted(), ErrIllegalTransition)
}

func TestMachine_IllegalTransitions(t *testing.T) {
	m := NewMachine(DefaultThresholds())

	assert.ErrorIs(t, m.Retrieved(1), ErrIllegalTransition)
	assert.ErrorIs(t, m.Drafted(), ErrIllegalTransition)
	assert.ErrorIs(t, m.Verified(assessed(1, true)), ErrIllegalTransition)

	_, ok := m.Decision()
	assert.False(t, ok)
	assert.Equal(t, StateStart, m.State())

	require.NoError(t, m.Scoped(models.InScope(models.CategoryOnboarding, "orientation")))
	assert.ErrorIs(t, m.Scoped(models.InScope(models.CategoryOnboarding, "orientation")), ErrIllegalTransition)
}

func TestMachine_Fail(t *testing.T) {
	m := NewMachine(DefaultThresholds())
	require.NoError(t, m.Scoped(models.InScope(models.CategorySecurityIT, "vpn")))
	require.NoError(t, m.Retrieved(2))
	require.NoError(t, m.Fail(models.ReasonTimeout))

	d, ok := m.Decision()
	require.True(t, ok)
	assert.Equal(t, models.OutcomeRefused, d.Outcome)
	assert.Equal(t, models.ReasonTimeout, d.Reason)

	assert.ErrorIs(t, m.Fail(models.ReasonBackendError), ErrIllegalTransition)
	assert.ErrorIs(t, m.Drafted(), ErrIllegalTransition)
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.ErrorIs(t, Thresholds{AnswerCutoff: 0.8, ClarifyFloor: 0.3}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Version: "v", AnswerCutoff: 1.2}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Version: "v", AnswerCutoff: 0.5, ClarifyFloor: 0.6}.Validate(), ErrInvalidThresholds)
	assert.NoError(t, Thresholds{Version: "v", AnswerCutoff: 0.5, ClarifyFloor: 0.5}.Validate())
}
