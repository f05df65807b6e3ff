package pipeline

import "github.com/policyguard/backend/internal/storage/models"

const (
	msgInsufficient  = "There is not enough information in the official policy documents to answer this question."
	msgClarify       = "The policy documents only partly cover this question. Please narrow it down, for example by naming the specific policy, benefit or process."
	msgOutOfScope    = "This question is outside what the policy assistant can answer."
	msgRestricted    = "This information is not available for your role."
	msgUnavailable   = "The request could not be completed. Please try again later."
	msgPersonalData  = "The policy assistant cannot look up personal or employee-specific records. Please contact HR directly."
	msgException     = "The policy assistant cannot grant or assess exceptions to policy. Please contact HR directly."
	msgOpinionAdvice = "The policy assistant only states what the policy documents say and cannot give opinions or advice."
	msgOverlyBroad   = "Please ask about one specific policy, benefit or process."
)

// message is the user-visible text for a decision. It never carries internal
// error detail.
func message(d models.Decision) string {
	switch d.Outcome {
	case models.OutcomeAnswered:
		return ""
	case models.OutcomeClarificationRequested:
		return msgClarify
	}

	switch d.Reason {
	case models.ReasonNoEvidence, models.ReasonInsufficientGrounding:
		return msgInsufficient
	case models.ReasonRoleRestricted:
		return msgRestricted
	case models.OutOfScopeReason(models.ExclusionPersonalData):
		return msgPersonalData
	case models.OutOfScopeReason(models.ExclusionPolicyException):
		return msgException
	case models.OutOfScopeReason(models.ExclusionOpinionAdvice):
		return msgOpinionAdvice
	case models.OutOfScopeReason(models.ExclusionOverlyBroad):
		return msgOverlyBroad
	}
	if d.Reason.IsOutOfScope() {
		return msgOutOfScope
	}
	return msgUnavailable
}
