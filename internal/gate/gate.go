// Package gate is the decision state machine. It holds no I/O: the pipeline
// feeds it the scope result, the retrieval size and the grounding assessment,
// and it answers with a terminal Decision or an error for an illegal step.
package gate

import (
	"errors"
	"fmt"

	"github.com/policyguard/backend/internal/storage/models"
)

var ErrIllegalTransition = errors.New("illegal gate transition")

type State string

const (
	StateStart         State = "START"
	StateScoped        State = "SCOPED"
	StateRetrieved     State = "RETRIEVED"
	StateDrafted       State = "DRAFTED"
	StateVerified      State = "VERIFIED"
	StateAnswered      State = "ANSWERED"
	StateRefused       State = "REFUSED"
	StateClarification State = "CLARIFICATION_REQUESTED"
)

func (s State) Terminal() bool {
	return s == StateAnswered || s == StateRefused || s == StateClarification
}

// Decide maps a grounding assessment to an outcome. It is pure: the same
// assessment and thresholds always produce the same Decision.
func Decide(a models.GroundingAssessment, th Thresholds) models.Decision {
	d := models.Decision{Confidence: a.Score, ThresholdVersion: th.Version}

	switch {
	case !a.Evaluated:
		d.Outcome = models.OutcomeRefused
		d.Reason = models.ReasonInsufficientGrounding
		d.Confidence = 0
	case a.Score >= th.AnswerCutoff && a.FullySupported:
		d.Outcome = models.OutcomeAnswered
	case a.Score >= th.ClarifyFloor:
		// includes a high score with an unsupported claim
		d.Outcome = models.OutcomeClarificationRequested
		d.Reason = models.ReasonAmbiguousEvidence
	default:
		d.Outcome = models.OutcomeRefused
		d.Reason = models.ReasonInsufficientGrounding
	}
	return d
}

// Machine tracks one query. It is not safe for concurrent use; each query
// owns its own Machine.
type Machine struct {
	th       Thresholds
	state    State
	path     []State
	decision models.Decision
}

func NewMachine(th Thresholds) *Machine {
	return &Machine{th: th, state: StateStart, path: []State{StateStart}}
}

func (m *Machine) State() State { return m.state }

// Path returns the states visited so far, START first.
func (m *Machine) Path() []State {
	out := make([]State, len(m.path))
	copy(out, m.path)
	return out
}

// Decision returns the terminal decision, or false while the query is still
// in flight.
func (m *Machine) Decision() (models.Decision, bool) {
	if !m.state.Terminal() {
		return models.Decision{}, false
	}
	return m.decision, true
}

// Scoped records the classifier result. An out-of-scope result is terminal.
func (m *Machine) Scoped(res models.ScopeResult) error {
	if err := m.expect(StateStart, StateScoped); err != nil {
		return err
	}
	m.move(StateScoped)
	if !res.InScope {
		m.terminate(models.OutcomeRefused, models.OutOfScopeReason(res.Exclusion), 0)
	}
	return nil
}

// Retrieved records how many chunks cleared the relevance threshold. Zero is
// terminal with no_evidence.
func (m *Machine) Retrieved(count int) error {
	if err := m.expect(StateScoped, StateRetrieved); err != nil {
		return err
	}
	if count <= 0 {
		m.terminate(models.OutcomeRefused, models.ReasonNoEvidence, 0)
		return nil
	}
	m.move(StateRetrieved)
	return nil
}

func (m *Machine) Drafted() error {
	if err := m.expect(StateRetrieved, StateDrafted); err != nil {
		return err
	}
	m.move(StateDrafted)
	return nil
}

// Verified records the grounding assessment and settles the outcome.
func (m *Machine) Verified(a models.GroundingAssessment) error {
	if err := m.expect(StateDrafted, StateVerified); err != nil {
		return err
	}
	m.move(StateVerified)

	d := Decide(a, m.th)
	m.terminate(d.Outcome, d.Reason, d.Confidence)
	return nil
}

// Fail ends a non-terminal query as REFUSED with the given reason. It is the
// only way out for timeouts and collaborator failures.
func (m *Machine) Fail(reason models.ReasonCode) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: fail(%s) from terminal %s", ErrIllegalTransition, reason, m.state)
	}
	m.terminate(models.OutcomeRefused, reason, 0)
	return nil
}

func (m *Machine) expect(from, to State) error {
	if m.state != from {
		return fmt.Errorf("%w: %s -> %s (expected from %s)", ErrIllegalTransition, m.state, to, from)
	}
	return nil
}

func (m *Machine) move(s State) {
	m.state = s
	m.path = append(m.path, s)
}

func (m *Machine) terminate(o models.Outcome, reason models.ReasonCode, confidence float64) {
	switch o {
	case models.OutcomeAnswered:
		m.move(StateAnswered)
	case models.OutcomeClarificationRequested:
		m.move(StateClarification)
	default:
		m.move(StateRefused)
	}
	m.decision = models.Decision{
		Outcome:          o,
		Reason:           reason,
		Confidence:       confidence,
		ThresholdVersion: m.th.Version,
	}
}
