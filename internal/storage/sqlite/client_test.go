package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyguard/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleRecord(id string) *models.AuditRecord {
	return &models.AuditRecord{
		QueryID:          id,
		Role:             models.RoleEmployee,
		Scope:            "in_scope:hr_employment",
		ChunkLocators:    []string{"hr-handbook#4.2@p12"},
		CitedLocators:    []string{"hr-handbook#4.2@p12"},
		GroundingScore:   0.9,
		Outcome:          models.OutcomeAnswered,
		Confidence:       0.9,
		ThresholdVersion: "v1",
		ConfigVersion:    "cfg-1",
		RouteVersion:     "routes-1",
		Routes:           map[string]string{"answering": "openai:gpt-4o-mini"},
		LatencyMS:        42,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInsertAndGet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	inserted, err := c.InsertAuditRecord(ctx, sampleRecord("q-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := c.GetAuditRecord(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("q-1"), got)
}

func TestInsert_IdempotentByQueryID(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertAuditRecord(ctx, sampleRecord("q-1"))
	require.NoError(t, err)

	retry := sampleRecord("q-1")
	retry.Outcome = models.OutcomeRefused
	inserted, err := c.InsertAuditRecord(ctx, retry)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := c.GetAuditRecord(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAnswered, got.Outcome)

	n, err := c.CountAuditRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGet_NotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetAuditRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendOnly(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertAuditRecord(ctx, sampleRecord("q-1"))
	require.NoError(t, err)

	_, err = c.db.ExecContext(ctx, `UPDATE audit_records SET outcome = 'REFUSED' WHERE query_id = 'q-1'`)
	assert.Error(t, err)
	_, err = c.db.ExecContext(ctx, `DELETE FROM audit_records WHERE query_id = 'q-1'`)
	assert.Error(t, err)
}

func TestConcurrentInserts(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.InsertAuditRecord(ctx, sampleRecord(fmt.Sprintf("q-%d", i%10)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := c.CountAuditRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestOutcomeCounts(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.InsertAuditRecord(ctx, sampleRecord("q-1"))
	require.NoError(t, err)
	refused := sampleRecord("q-2")
	refused.Outcome = models.OutcomeRefused
	refused.Reason = models.ReasonNoEvidence
	_, err = c.InsertAuditRecord(ctx, refused)
	require.NoError(t, err)

	counts, err := c.OutcomeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"ANSWERED": 1, "REFUSED:no_evidence": 1}, counts)
}
