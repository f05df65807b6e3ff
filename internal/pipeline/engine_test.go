package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyguard/backend/internal/audit"
	"github.com/policyguard/backend/internal/gate"
	"github.com/policyguard/backend/internal/grounding"
	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/retrieval"
	"github.com/policyguard/backend/internal/rolefilter"
	"github.com/policyguard/backend/internal/router"
	"github.com/policyguard/backend/internal/scope"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/internal/storage/sqlite"
)

const noticeClause = "Employees must give 30 days notice before resignation."

var published = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeIndex struct {
	mu         sync.Mutex
	calls      int
	candidates []retrieval.Candidate
	err        error
}

func (f *fakeIndex) Search(_ context.Context, req retrieval.SearchRequest) ([]retrieval.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []retrieval.Candidate
	for _, c := range f.candidates {
		if req.Filters.Category == "" || c.Category == req.Filters.Category {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeIndex) SupportsTagFilter() bool { return true }
func (f *fakeIndex) Name() string            { return "milvus" }

func (f *fakeIndex) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	draft string
	err   error
	block chan struct{}
	panic bool
}

func (g *fakeGenerator) Generate(ctx context.Context, req llm.GenerationRequest) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.panic {
		panic("generator exploded")
	}
	if g.block != nil {
		<-g.block
	}
	if g.err != nil {
		return "", g.err
	}
	return g.draft, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubVerifier struct {
	assessment models.GroundingAssessment
}

func (s stubVerifier) Verify(context.Context, string, []models.RetrievedChunk, llm.Embedder) (models.GroundingAssessment, error) {
	return s.assessment, nil
}

type memAudit struct {
	mu      sync.Mutex
	records map[string]models.AuditRecord
	writes  int
	err     error
}

func (m *memAudit) Record(ctx context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	m.writes++
	if m.records == nil {
		m.records = map[string]models.AuditRecord{}
	}
	if _, ok := m.records[rec.QueryID]; !ok {
		m.records[rec.QueryID] = rec
	}
	return nil
}

func (m *memAudit) get(id string) (models.AuditRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type harness struct {
	index  *fakeIndex
	gen    *fakeGenerator
	audit  *memAudit
	router *router.Router
	engine *Engine
}

func noticeIndex() *fakeIndex {
	return &fakeIndex{candidates: []retrieval.Candidate{{
		DocumentID:  "hr-handbook",
		Section:     "4.2",
		Page:        12,
		Text:        noticeClause,
		Score:       0.9,
		Category:    models.CategoryHREmployment,
		PublishedAt: published,
	}}}
}

func newHarness(t *testing.T, idx *fakeIndex, verifier Verifier) *harness {
	t.Helper()

	h := &harness{
		index:  idx,
		gen:    &fakeGenerator{draft: noticeClause + " [hr-handbook#4.2@p12]"},
		audit:  &memAudit{},
		router: router.New(),
	}
	h.router.Register("fake", func(models.ModelRoute) (any, error) { return h.gen, nil })
	require.NoError(t, h.router.Load(router.Table{
		Version: "routes-1",
		Routes: map[string]models.ModelRoute{
			router.RouteAnswering: {Backend: "fake", Model: "draft", Version: "1"},
		},
	}))

	if verifier == nil {
		verifier = grounding.NewVerifier(grounding.DefaultConfig())
	}

	engine, err := NewEngine(&Settings{
		Version:    "cfg-1",
		Thresholds: gate.DefaultThresholds(),
		Scope:      scope.NewClassifier(nil),
		Retriever:  retrieval.NewScorer(idx, retrieval.DefaultConfig()),
		Verifier:   verifier,
		RoleFilter: rolefilter.New(rolefilter.DefaultPolicy()),
		Timeout:    2 * time.Second,
	}, h.router, h.audit)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func employee() models.RoleContext  { return models.RoleContext{Role: models.RoleEmployee} }
func candidate() models.RoleContext { return models.RoleContext{Role: models.RoleCandidate} }

func fullySupported(score float64) stubVerifier {
	return stubVerifier{models.GroundingAssessment{
		Score:          score,
		FullySupported: true,
		Evaluated:      true,
		CitedLocators:  []string{"hr-handbook#4.2@p12"},
	}}
}

func TestProcess_AnsweredWithCitation(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	resp := h.engine.Process(context.Background(), Request{
		QueryID: "q-notice",
		Text:    "What is the notice period for resignation?",
		Role:    employee(),
	})

	assert.Equal(t, "ANSWERED", resp.Outcome)
	assert.Empty(t, resp.Reason)
	assert.Equal(t, []string{"hr-handbook#4.2@p12"}, resp.Citations)
	assert.Contains(t, resp.Answer, "30 days")
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, "default", resp.ThresholdVersion)
	assert.Equal(t, "routes-1", resp.RouteVersion)

	rec, ok := h.audit.get("q-notice")
	require.True(t, ok)
	assert.Equal(t, "in_scope:hr_employment", rec.Scope)
	assert.Equal(t, []string{"hr-handbook#4.2@p12"}, rec.ChunkLocators)
	assert.Equal(t, map[string]string{"answering": "fake:draft@1"}, rec.Routes)
	assert.Equal(t, models.OutcomeAnswered, rec.Outcome)
}

func TestProcess_AnsweredAboveCutoff(t *testing.T) {
	h := newHarness(t, noticeIndex(), fullySupported(0.95))

	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "ANSWERED", resp.Outcome)
	assert.Equal(t, 0.95, resp.Confidence)
	assert.Equal(t, []string{"hr-handbook#4.2@p12"}, resp.Citations)
	assert.NotEmpty(t, resp.QueryID)
}

func TestProcess_OutOfScopeSkipsRetrievalAndModel(t *testing.T) {
	tests := []struct {
		query  string
		reason string
	}{
		{"Can HR waive the notice period for me?", "out_of_scope:policy_exception"},
		{"What is my personal leave balance?", "out_of_scope:personal_data"},
		{"Should I take the remote work option?", "out_of_scope:opinion_advice"},
		{"What was last quarter's revenue?", "out_of_scope:non_policy"},
		{"   ", "out_of_scope:non_policy"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness(t, noticeIndex(), nil)

			resp := h.engine.Process(context.Background(), Request{QueryID: "q", Text: tt.query, Role: employee()})
			assert.Equal(t, "REFUSED", resp.Outcome)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.NotEmpty(t, resp.Message)
			assert.Empty(t, resp.Answer)

			assert.Zero(t, h.index.Calls())
			assert.Zero(t, h.gen.Calls())

			rec, ok := h.audit.get("q")
			require.True(t, ok)
			assert.Empty(t, rec.ChunkLocators)
			assert.Empty(t, rec.Routes)
		})
	}
}

func TestProcess_NoEvidence(t *testing.T) {
	h := newHarness(t, &fakeIndex{}, nil)

	resp := h.engine.Process(context.Background(), Request{QueryID: "q", Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "REFUSED", resp.Outcome)
	assert.Equal(t, "no_evidence", resp.Reason)
	assert.Equal(t, msgInsufficient, resp.Message)
	assert.Equal(t, 1, h.index.Calls())
	assert.Zero(t, h.gen.Calls())
	_, ok := h.audit.get("q")
	assert.True(t, ok)
}

func TestProcess_LowRelevanceIsNoEvidence(t *testing.T) {
	idx := noticeIndex()
	idx.candidates[0].Score = 0.2
	h := newHarness(t, idx, nil)

	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "no_evidence", resp.Reason)
	assert.Zero(t, h.gen.Calls())
}

func TestProcess_ClarificationBand(t *testing.T) {
	h := newHarness(t, noticeIndex(), fullySupported(0.5))

	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "CLARIFICATION_REQUESTED", resp.Outcome)
	assert.Equal(t, msgClarify, resp.Message)
	assert.Empty(t, resp.Answer)
}

func TestProcess_InsufficientGrounding(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)
	h.gen.draft = llm.InsufficientEvidence

	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "REFUSED", resp.Outcome)
	assert.Equal(t, "insufficient_grounding", resp.Reason)
	assert.Equal(t, 1, h.gen.Calls())
}

func TestProcess_CandidateRoleRestricted(t *testing.T) {
	idx := &fakeIndex{candidates: []retrieval.Candidate{{
		DocumentID: "it-policy", Section: "2.1", Text: "Request VPN access to internal systems through the IT portal.",
		Score: 0.95, Category: models.CategorySecurityIT, PublishedAt: published,
	}}}
	h := newHarness(t, idx, fullySupported(0.95))
	h.gen.draft = "Request VPN access to internal systems through the IT portal."

	query := "How do I request VPN access to internal systems?"

	resp := h.engine.Process(context.Background(), Request{QueryID: "cand", Text: query, Role: candidate()})
	assert.Equal(t, "REFUSED", resp.Outcome)
	assert.Equal(t, "role_restricted", resp.Reason)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Citations)

	rec, ok := h.audit.get("cand")
	require.True(t, ok)
	assert.Equal(t, models.ReasonRoleRestricted, rec.Reason)
	assert.Equal(t, "in_scope:security_it", rec.Scope)

	resp = h.engine.Process(context.Background(), Request{Text: query, Role: employee()})
	assert.Equal(t, "ANSWERED", resp.Outcome)
}

func TestProcess_BackendErrors(t *testing.T) {
	t.Run("retrieval", func(t *testing.T) {
		idx := noticeIndex()
		idx.err = errors.New("milvus: connection refused")
		h := newHarness(t, idx, nil)

		resp := h.engine.Process(context.Background(), Request{QueryID: "q", Text: "What is the notice period for resignation?", Role: employee()})
		assert.Equal(t, "backend_error", resp.Reason)
		assert.NotContains(t, resp.Message, "milvus")
		assert.Zero(t, h.gen.Calls())
		_, ok := h.audit.get("q")
		assert.True(t, ok)
	})

	t.Run("generation", func(t *testing.T) {
		h := newHarness(t, noticeIndex(), nil)
		h.gen.err = errors.New("429 too many requests")

		resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
		assert.Equal(t, "backend_error", resp.Reason)
		assert.Empty(t, resp.Answer)
	})

	t.Run("missing route", func(t *testing.T) {
		h := newHarness(t, noticeIndex(), nil)
		require.NoError(t, h.router.Load(router.Table{Version: "empty"}))

		resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
		assert.Equal(t, "backend_error", resp.Reason)
		assert.Equal(t, "empty", resp.RouteVersion)
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness(t, noticeIndex(), nil)
		h.gen.panic = true

		resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
		assert.Equal(t, "REFUSED", resp.Outcome)
		assert.Equal(t, "internal_error", resp.Reason)
	})
}

func TestProcess_TimeoutStillAudited(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)
	block := make(chan struct{})
	defer close(block)
	h.gen.block = block

	s := *h.engine.Settings()
	s.Timeout = 30 * time.Millisecond
	require.NoError(t, h.engine.UpdateSettings(&s))

	resp := h.engine.Process(context.Background(), Request{QueryID: "slow", Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "REFUSED", resp.Outcome)
	assert.Equal(t, "timeout", resp.Reason)

	rec, ok := h.audit.get("slow")
	require.True(t, ok)
	assert.Equal(t, models.ReasonTimeout, rec.Reason)
	assert.Equal(t, []string{"hr-handbook#4.2@p12"}, rec.ChunkLocators)
}

func TestProcess_CallerCancellationStillAudited(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := h.engine.Process(ctx, Request{QueryID: "gone", Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "timeout", resp.Reason)

	_, ok := h.audit.get("gone")
	assert.True(t, ok)
}

func TestProcess_AuditFailureFailsClosed(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)
	h.audit.err = errors.New("disk full")

	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "REFUSED", resp.Outcome)
	assert.Equal(t, "audit_unavailable", resp.Reason)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Citations)
}

func TestProcess_AuditCompletenessUnderConcurrency(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	queries := []string{
		"What is the notice period for resignation?",
		"Can HR waive the notice period for me?",
		"What is my personal leave balance?",
		"What dental insurance benefits are offered?",
		"How do I request VPN access to internal systems?",
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := employee()
			if i%2 == 1 {
				role = candidate()
			}
			resp := h.engine.Process(context.Background(), Request{
				QueryID: fmt.Sprintf("q-%d", i),
				Text:    queries[i%len(queries)],
				Role:    role,
			})
			assert.NotEmpty(t, resp.Outcome)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, h.audit.count())
	assert.Equal(t, n, h.audit.writes)
}

func TestProcess_RouteSnapshotPerRequest(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)
	block := make(chan struct{})
	h.gen.block = block

	done := make(chan Response, 1)
	go func() {
		done <- h.engine.Process(context.Background(), Request{QueryID: "inflight", Text: "What is the notice period for resignation?", Role: employee()})
	}()

	require.Eventually(t, func() bool { return h.gen.Calls() == 1 }, time.Second, time.Millisecond)

	other := &fakeGenerator{draft: "unused"}
	h.router.Register("other", func(models.ModelRoute) (any, error) { return other, nil })
	require.NoError(t, h.router.Load(router.Table{
		Version: "routes-2",
		Routes:  map[string]models.ModelRoute{router.RouteAnswering: {Backend: "other", Model: "m2"}},
	}))
	require.NoError(t, h.engine.UpdateSettings(h.engine.Settings()))
	close(block)

	resp := <-done
	assert.Equal(t, "routes-1", resp.RouteVersion)
	assert.Equal(t, "ANSWERED", resp.Outcome)
	assert.Zero(t, other.Calls())

	rec, _ := h.audit.get("inflight")
	assert.Equal(t, "fake:draft@1", rec.Routes["answering"])

	resp = h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "routes-2", resp.RouteVersion)
	assert.Equal(t, 1, other.Calls())
}

func TestProcess_RoutesPublishWithSettings(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	other := &fakeGenerator{draft: "unused"}
	h.router.Register("other", func(models.ModelRoute) (any, error) { return other, nil })
	require.NoError(t, h.router.Load(router.Table{
		Version: "routes-2",
		Routes:  map[string]models.ModelRoute{router.RouteAnswering: {Backend: "other", Model: "m2"}},
	}))

	// a loaded table is not used until settings are published with it
	resp := h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "routes-1", resp.RouteVersion)
	assert.Equal(t, "cfg-1", resp.ConfigVersion)
	assert.Zero(t, other.Calls())

	next := *h.engine.Settings()
	next.Version = "cfg-2"
	require.NoError(t, h.engine.UpdateSettings(&next))

	resp = h.engine.Process(context.Background(), Request{Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "routes-2", resp.RouteVersion)
	assert.Equal(t, "cfg-2", resp.ConfigVersion)
	assert.Equal(t, 1, other.Calls())
}

func TestProcess_ReplayedQueryIDFailsClosed(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	defer db.Close()

	h := newHarness(t, noticeIndex(), nil)
	engine, err := NewEngine(h.engine.Settings(), h.router, audit.NewLogger(db, audit.Config{}))
	require.NoError(t, err)

	first := engine.Process(context.Background(), Request{QueryID: "dup", Text: "Can HR waive the notice period for me?", Role: employee()})
	assert.Equal(t, "REFUSED", first.Outcome)
	assert.Equal(t, "out_of_scope:policy_exception", first.Reason)

	second := engine.Process(context.Background(), Request{QueryID: "dup", Text: "What is the notice period for resignation?", Role: employee()})
	assert.Equal(t, "REFUSED", second.Outcome)
	assert.Equal(t, string(models.ReasonAuditUnavailable), second.Reason)
	assert.Empty(t, second.Answer)
	assert.Empty(t, second.Citations)

	rec, err := db.GetAuditRecord(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, models.OutOfScopeReason(models.ExclusionPolicyException), rec.Reason)
	n, err := db.CountAuditRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcess_GeneratedQueryIDsAreDistinct(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	a := h.engine.Process(context.Background(), Request{RequestID: "corr-1", Text: "What is the notice period for resignation?", Role: employee()})
	b := h.engine.Process(context.Background(), Request{RequestID: "corr-1", Text: "What is the notice period for resignation?", Role: employee()})

	assert.NotEqual(t, a.QueryID, b.QueryID)
	assert.Equal(t, "corr-1", a.RequestID)
	assert.Equal(t, 2, h.audit.count())
}

func TestProcessStream_EmitsGatePath(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	var states []gate.State
	resp := h.engine.ProcessStream(context.Background(),
		Request{Text: "What is the notice period for resignation?", Role: employee()},
		func(ev StageEvent) { states = append(states, ev.State) })

	assert.Equal(t, "ANSWERED", resp.Outcome)
	assert.Equal(t, []gate.State{
		gate.StateStart, gate.StateScoped, gate.StateRetrieved,
		gate.StateDrafted, gate.StateVerified, gate.StateAnswered,
	}, states)
}

func TestUpdateSettings_RejectsInvalid(t *testing.T) {
	h := newHarness(t, noticeIndex(), nil)

	s := *h.engine.Settings()
	s.Thresholds = gate.Thresholds{Version: "bad", AnswerCutoff: 0.4, ClarifyFloor: 0.6}
	assert.ErrorIs(t, h.engine.UpdateSettings(&s), gate.ErrInvalidThresholds)
	assert.Equal(t, "default", h.engine.Settings().Thresholds.Version)
}
