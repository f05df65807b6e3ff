package models

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleEmployee  Role = "employee"
	RoleCandidate Role = "candidate"
)

// ParseRole accepts the canonical role names plus the pre-joining alias.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "employee":
		return RoleEmployee, nil
	case "candidate", "pre_joining_candidate", "pre-joining-candidate":
		return RoleCandidate, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RoleContext is immutable per request. Attributes are used for filtering
// only, never to personalize answer content.
type RoleContext struct {
	Role       Role
	Department string
}

type Query struct {
	ID          string
	Text        string
	SubmittedAt time.Time
	Role        RoleContext
}

type Category string

const (
	CategoryHREmployment Category = "hr_employment"
	CategoryBenefits     Category = "benefits"
	CategoryCompliance   Category = "compliance_conduct"
	CategorySecurityIT   Category = "security_it"
	CategoryOnboarding   Category = "onboarding"
)

// AllCategories is ordered from most to least restrictive.
var AllCategories = []Category{
	CategorySecurityIT,
	CategoryCompliance,
	CategoryHREmployment,
	CategoryBenefits,
	CategoryOnboarding,
}

type ExclusionClass string

const (
	ExclusionHiringDecision  ExclusionClass = "hiring_decision"
	ExclusionPolicyException ExclusionClass = "policy_exception"
	ExclusionPersonalData    ExclusionClass = "personal_data"
	ExclusionOpinionAdvice   ExclusionClass = "opinion_advice"
	ExclusionSpeculative     ExclusionClass = "speculative"
	ExclusionNonPolicy       ExclusionClass = "non_policy"
	// ExclusionOverlyBroad is a request too vague to answer from specific
	// excerpts ("tell me about everything").
	ExclusionOverlyBroad ExclusionClass = "overly_broad"
)

// ScopeResult is either IN_SCOPE(Category) or OUT_OF_SCOPE(Exclusion).
type ScopeResult struct {
	InScope   bool
	Category  Category
	Exclusion ExclusionClass
	// Signal is the matched phrase or model label that decided the result.
	Signal string
}

func InScope(c Category, signal string) ScopeResult {
	return ScopeResult{InScope: true, Category: c, Signal: signal}
}

func OutOfScope(e ExclusionClass, signal string) ScopeResult {
	return ScopeResult{InScope: false, Exclusion: e, Signal: signal}
}

func (s ScopeResult) String() string {
	if s.InScope {
		return "in_scope:" + string(s.Category)
	}
	return "out_of_scope:" + string(s.Exclusion)
}

// RetrievedChunk is owned by one query's evaluation; only Locator survives
// into the audit log.
type RetrievedChunk struct {
	DocumentID  string
	Section     string
	Page        int
	Text        string
	Score       float64
	Rank        int
	Category    Category
	PublishedAt time.Time
}

func (c RetrievedChunk) Locator() string {
	loc := c.DocumentID
	if c.Section != "" {
		loc += "#" + c.Section
	}
	if c.Page > 0 {
		loc += fmt.Sprintf("@p%d", c.Page)
	}
	return loc
}

func Locators(chunks []RetrievedChunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Locator())
	}
	return out
}

type ClaimSupport struct {
	Claim     string
	Supported bool
	Locator   string
	Weight    float64
}

type GroundingAssessment struct {
	Score          float64
	CitedLocators  []string
	FullySupported bool
	// Evaluated is false when the draft had no claims to check.
	Evaluated bool
	Claims    []ClaimSupport
}

type Outcome string

const (
	OutcomeAnswered               Outcome = "ANSWERED"
	OutcomeRefused                Outcome = "REFUSED"
	OutcomeClarificationRequested Outcome = "CLARIFICATION_REQUESTED"
)

type ReasonCode string

const (
	ReasonNone                  ReasonCode = ""
	ReasonNoEvidence            ReasonCode = "no_evidence"
	ReasonInsufficientGrounding ReasonCode = "insufficient_grounding"
	ReasonAmbiguousEvidence     ReasonCode = "ambiguous_evidence"
	ReasonRoleRestricted        ReasonCode = "role_restricted"
	ReasonTimeout               ReasonCode = "timeout"
	ReasonAuditUnavailable      ReasonCode = "audit_unavailable"
	ReasonBackendError          ReasonCode = "backend_error"
	ReasonInternalError         ReasonCode = "internal_error"
)

func OutOfScopeReason(e ExclusionClass) ReasonCode {
	return ReasonCode("out_of_scope:" + string(e))
}

func (r ReasonCode) IsOutOfScope() bool {
	return strings.HasPrefix(string(r), "out_of_scope:")
}

// Decision is the terminal state of a query.
type Decision struct {
	Outcome          Outcome
	Reason           ReasonCode
	Confidence       float64
	ThresholdVersion string
}

// ModelRoute maps a logical capability name to a concrete backend.
type ModelRoute struct {
	Logical string
	Backend string
	Model   string
	Version string
}

func (r ModelRoute) Identifier() string {
	id := r.Backend + ":" + r.Model
	if r.Version != "" {
		id += "@" + r.Version
	}
	return id
}

// AuditRecord is append-only and keyed by QueryID.
type AuditRecord struct {
	QueryID          string            `json:"query_id"`
	Role             Role              `json:"role"`
	Scope            string            `json:"scope"`
	ChunkLocators    []string          `json:"chunk_locators"`
	CitedLocators    []string          `json:"cited_locators"`
	GroundingScore   float64           `json:"grounding_score"`
	Outcome          Outcome           `json:"outcome"`
	Reason           ReasonCode        `json:"reason,omitempty"`
	Confidence       float64           `json:"confidence"`
	ThresholdVersion string            `json:"threshold_version"`
	ConfigVersion    string            `json:"config_version"`
	RouteVersion     string            `json:"route_version"`
	Routes           map[string]string `json:"routes"`
	LatencyMS        int64             `json:"latency_ms"`
	Timestamp        time.Time         `json:"timestamp"`
}
