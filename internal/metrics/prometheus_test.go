package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/policyguard/backend/pkg/circuitbreaker"
)

func TestRecordBreakerState(t *testing.T) {
	RecordBreakerState("milvus", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(BackendBreakerState.WithLabelValues("milvus")))

	RecordBreakerState("milvus", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(BackendBreakerState.WithLabelValues("milvus")))
}

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}
