package gate

import (
	"errors"
	"fmt"
)

var ErrInvalidThresholds = errors.New("invalid gate thresholds")

// Thresholds is versioned; the version is copied into every Decision.
//
//	score >= AnswerCutoff (and fully supported) -> ANSWERED
//	ClarifyFloor <= score < AnswerCutoff        -> CLARIFICATION_REQUESTED
//	score < ClarifyFloor                        -> REFUSED
type Thresholds struct {
	Version      string
	AnswerCutoff float64
	ClarifyFloor float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Version: "default", AnswerCutoff: 0.8, ClarifyFloor: 0.3}
}

func (t Thresholds) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidThresholds)
	}
	if t.AnswerCutoff <= 0 || t.AnswerCutoff > 1 {
		return fmt.Errorf("%w: answer cutoff %.3f outside (0,1]", ErrInvalidThresholds, t.AnswerCutoff)
	}
	if t.ClarifyFloor < 0 || t.ClarifyFloor > t.AnswerCutoff {
		return fmt.Errorf("%w: clarification floor %.3f outside [0,%.3f]", ErrInvalidThresholds, t.ClarifyFloor, t.AnswerCutoff)
	}
	return nil
}
