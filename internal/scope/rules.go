package scope

import (
	"regexp"

	"github.com/policyguard/backend/internal/storage/models"
)

type exclusionRule struct {
	class    models.ExclusionClass
	phrases  []string
	patterns []*regexp.Regexp
}

// exclusionRules are evaluated in order against normalized text; the first
// class with a hit wins. Exclusions are checked before any category so that
// in-scope vocabulary ("notice period") cannot mask the intent ("waive").
var exclusionRules = []exclusionRule{
	{
		class: models.ExclusionPolicyException,
		phrases: []string{
			"waive", "waived", "waiver", "exempt", "exempted", "exemption", "exception", "exceptions", "bypass",
			"override", "overlook", "make an exception", "special permission", "special approval",
			"let me skip", "allow me to skip", "extension for me", "excuse me from", "just this once",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(extension|extend|extended|carry over|carry forward|skip|exempt)\b.*\b(for me|my|just this once|this once|this time)\b`),
			regexp.MustCompile(`\b(can|could|may) (i|we) (get|have|request) (an |a )?(extension|exception|waiver)\b`),
		},
	},
	{
		class: models.ExclusionPersonalData,
		phrases: []string{
			"my salary", "my manager", "my payslip", "my pay slip", "my leave balance", "my balance",
			"my record", "my records", "my personnel file", "employee id",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(my|his|her|their)\b(\s+\w+){0,3}\s+(balance|salary|pay|payslip|compensation|bonus|rating|ratings|appraisal|record|records|file|address|phone|details|history|dues|deductions|tax|manager|attendance)\b`),
			regexp.MustCompile(`\b\w+ s (salary|payslip|compensation|bonus|rating|appraisal|address|phone number|leave balance)\b`),
			regexp.MustCompile(`\bhow many\b.*\b(do i have|i have left|have i used|have i taken|i have remaining|are left for me)\b`),
		},
	},
	{
		class: models.ExclusionHiringDecision,
		phrases: []string{
			"hire me", "get hired", "be hired", "was i selected", "am i selected", "shortlisted",
			"my application", "application status", "offer status", "hiring decision",
			"interview result", "interview results", "get the job", "get an offer", "rejected me",
			"why was i rejected", "will i get the offer", "selection status",
		},
	},
	{
		class: models.ExclusionSpeculative,
		phrases: []string{
			"what happens if", "what would happen", "will the policy", "will there be", "in the future",
			"next year", "going to change", "plan to change", "planning to change", "upcoming policy",
			"future policy", "will the company", "will hr", "is it likely", "rumor", "rumour", "will i",
		},
	},
	{
		class: models.ExclusionOpinionAdvice,
		phrases: []string{
			"should i", "do you think", "is it fair", "recommend", "recommendation", "opinion",
			"best way", "what should i do", "advice", "advise", "is it worth", "would you",
			"is it better", "which is better", "your view", "explain why", "intent behind",
			"reason behind", "why does", "why is", "why do",
		},
	},
	{
		class: models.ExclusionOverlyBroad,
		phrases: []string{
			"tell me about", "overview", "everything", "all policies", "all the policies", "general rules",
			"summarize", "summarise", "summary of", "explain the policy",
		},
	},
	{
		class: models.ExclusionNonPolicy,
		phrases: []string{
			"revenue", "profit", "profits", "stock price", "share price", "ceo", "founder", "founded",
			"headquarters", "competitor", "competitors", "market share", "product roadmap", "valuation",
			"ipo", "quarterly results", "earnings", "customers", "cafeteria menu",
		},
	},
}

var categoryKeywords = map[models.Category][]string{
	models.CategoryHREmployment: {
		"leave", "leaves", "vacation", "pto", "paid time off", "probation", "probationary",
		"notice period", "resignation", "resign", "termination", "work hours", "working hours",
		"overtime", "remote", "hybrid", "work from home", "wfh", "holiday", "holidays", "attendance",
		"maternity", "paternity", "parental", "sick", "hr", "performance review", "appraisal",
	},
	models.CategoryBenefits: {
		"benefits", "benefit", "insurance", "health", "medical", "dental", "vision", "reimbursement",
		"reimbursements", "allowance", "perks", "perk", "retirement", "pension", "401k", "gym",
		"wellness", "eligibility", "eligible", "stipend", "relocation",
	},
	models.CategoryCompliance: {
		"code of conduct", "conduct", "compliance", "harassment", "ethics", "ethical",
		"conflict of interest", "gift", "gifts", "bribery", "anti bribery", "whistleblower",
		"whistleblowing", "disciplinary", "dress code", "confidentiality", "discrimination", "grievance",
	},
	models.CategorySecurityIT: {
		"vpn", "system access", "it access", "access request", "password", "passwords", "laptop",
		"device", "devices", "security", "badge", "mfa", "two factor", "software", "data classification",
		"phishing", "remote access", "internal systems", "internal system",
	},
	models.CategoryOnboarding: {
		"onboarding", "joining", "first day", "orientation", "induction", "joining documents",
		"new hire", "new joiner", "background verification", "documents to bring",
	},
}
