package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/policyguard/backend/internal/metrics"
)

const (
	stageScope    = "scope"
	stageRetrieve = "retrieve"
	stageDraft    = "draft"
	stageVerify   = "verify"
	stageAudit    = "audit"
)

var errStagePanic = errors.New("stage panicked")

// runStage calls fn and returns as soon as either fn finishes or ctx ends, so
// a collaborator that ignores its context cannot hold the query past its
// deadline.
func runStage[T any](ctx context.Context, stage string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		metrics.StageErrors.WithLabelValues(stage).Inc()
		var zero T
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %s: %v", errStagePanic, stage, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			metrics.StageErrors.WithLabelValues(stage).Inc()
		}
		return r.v, r.err
	case <-ctx.Done():
		metrics.StageErrors.WithLabelValues(stage).Inc()
		var zero T
		return zero, ctx.Err()
	}
}
