// Package pipeline runs one query through scope classification, retrieval,
// drafting, grounding, the decision gate and the role filter, and writes the
// audit record for whatever terminal outcome it reaches. Process never
// returns an error: every failure becomes a typed refusal.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/gate"
	"github.com/policyguard/backend/internal/llm"
	"github.com/policyguard/backend/internal/metrics"
	"github.com/policyguard/backend/internal/rolefilter"
	"github.com/policyguard/backend/internal/router"
	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

type AuditRecorder interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

type RouteSource interface {
	Snapshot() *router.Snapshot
}

type Request struct {
	// QueryID is generated when empty. Transports always leave it empty.
	QueryID   string
	// RequestID is the caller's correlation id, logged and echoed only.
	RequestID string
	Text      string
	Role      models.RoleContext
}

type Response struct {
	QueryID          string   `json:"query_id"`
	RequestID        string   `json:"request_id,omitempty"`
	Outcome          string   `json:"outcome"`
	Reason           string   `json:"reason,omitempty"`
	Message          string   `json:"message,omitempty"`
	Answer           string   `json:"answer,omitempty"`
	Citations        []string `json:"citations"`
	Confidence       float64  `json:"confidence"`
	ThresholdVersion string   `json:"threshold_version"`
	ConfigVersion    string   `json:"config_version"`
	RouteVersion     string   `json:"route_version"`
	LatencyMS        int64    `json:"latency_ms"`
}

// StageEvent is emitted each time the gate enters a new state.
type StageEvent struct {
	QueryID string
	State   gate.State
}

// release pairs settings with the route snapshot they were released with,
// so one query never mixes two reloads.
type release struct {
	settings *Settings
	routes   *router.Snapshot
}

type Engine struct {
	current atomic.Pointer[release]
	routes  RouteSource
	audit   AuditRecorder
	now     func() time.Time
	newID   func() string
}

func NewEngine(settings *Settings, routes RouteSource, audit AuditRecorder) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		routes: routes,
		audit:  audit,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	e.current.Store(&release{settings: settings, routes: routes.Snapshot()})
	return e, nil
}

// UpdateSettings publishes s together with the router's current snapshot.
// Route table changes reach queries only through this call. Queries already
// running keep the pair they started with.
func (e *Engine) UpdateSettings(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	next := &release{settings: s, routes: e.routes.Snapshot()}
	prev := e.current.Swap(next)
	logger.Info("Pipeline settings updated",
		zap.String("version", s.Version),
		zap.String("previous_version", prev.settings.Version),
		zap.String("threshold_version", s.Thresholds.Version),
		zap.String("route_version", next.routes.Version()),
	)
	return nil
}

func (e *Engine) Settings() *Settings {
	return e.current.Load().settings
}

func (e *Engine) Process(ctx context.Context, req Request) Response {
	return e.ProcessStream(ctx, req, nil)
}

// run is the per-query evaluation context.
type run struct {
	query      models.Query
	settings   *Settings
	routes     *router.Snapshot
	machine    *gate.Machine
	scope      *models.ScopeResult
	chunks     []models.RetrievedChunk
	draft      string
	assessment models.GroundingAssessment
	used       map[string]string
	observe    func(StageEvent)
	emitted    int
}

// step reports every state entered since the last call.
func (r *run) step() {
	path := r.machine.Path()
	if r.observe != nil {
		for _, st := range path[r.emitted:] {
			r.observe(StageEvent{QueryID: r.query.ID, State: st})
		}
	}
	r.emitted = len(path)
}

func (r *run) resolved(route models.ModelRoute) {
	if route.Logical != "" {
		r.used[route.Logical] = route.Identifier()
	}
}

// ProcessStream is Process with a callback per state change. observe is
// called from the calling goroutine.
func (e *Engine) ProcessStream(ctx context.Context, req Request, observe func(StageEvent)) Response {
	start := e.now()

	id := req.QueryID
	if id == "" {
		id = e.newID()
	}

	cur := e.current.Load()
	settings := cur.settings
	r := &run{
		query: models.Query{
			ID:          id,
			Text:        req.Text,
			SubmittedAt: start,
			Role:        req.Role,
		},
		settings: settings,
		routes:   cur.routes,
		machine:  gate.NewMachine(settings.Thresholds),
		used:     make(map[string]string),
		observe:  observe,
	}

	logger.Debug("Processing query",
		zap.String("query_id", id),
		zap.String("request_id", req.RequestID),
		zap.String("role", string(req.Role.Role)),
		zap.String("query", req.Text),
	)

	qctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	e.evaluate(qctx, r)
	cancel()

	decision, ok := r.machine.Decision()
	if !ok {
		logger.Error("Gate finished without a terminal state",
			zap.String("query_id", id),
			zap.String("state", string(r.machine.State())),
		)
		decision = models.Decision{
			Outcome:          models.OutcomeRefused,
			Reason:           models.ReasonInternalError,
			ThresholdVersion: settings.Thresholds.Version,
		}
	}

	filtered := settings.RoleFilter.Apply(rolefilter.Answer{
		Decision:  decision,
		Category:  r.category(),
		Text:      r.answerText(decision),
		Citations: r.assessment.CitedLocators,
		Claims:    r.assessment.Claims,
	}, req.Role.Role)
	if filtered.Redacted > 0 {
		metrics.RoleRedactions.WithLabelValues(string(req.Role.Role)).Add(float64(filtered.Redacted))
	}

	latency := e.now().Sub(start)
	rec := e.record(r, filtered.Decision, filtered.Citations, latency)

	auditStart := time.Now()
	err := e.audit.Record(context.WithoutCancel(ctx), rec)
	metrics.StageDuration.WithLabelValues(stageAudit).Observe(time.Since(auditStart).Seconds())
	if err != nil {
		metrics.AuditFailures.Inc()
		logger.Error("Audit record not written, failing closed",
			zap.String("query_id", id),
			zap.String("outcome", string(filtered.Decision.Outcome)),
			zap.Error(err),
		)
		filtered = rolefilter.Result{Decision: models.Decision{
			Outcome:          models.OutcomeRefused,
			Reason:           models.ReasonAuditUnavailable,
			ThresholdVersion: settings.Thresholds.Version,
		}}
	}

	resp := Response{
		QueryID:          id,
		RequestID:        req.RequestID,
		Outcome:          string(filtered.Decision.Outcome),
		Reason:           string(filtered.Decision.Reason),
		Message:          message(filtered.Decision),
		Citations:        nonNil(filtered.Citations),
		Confidence:       filtered.Decision.Confidence,
		ThresholdVersion: filtered.Decision.ThresholdVersion,
		ConfigVersion:    settings.Version,
		RouteVersion:     r.routes.Version(),
		LatencyMS:        latency.Milliseconds(),
	}
	if filtered.Decision.Outcome == models.OutcomeAnswered {
		resp.Answer = filtered.Text
	}

	metrics.DecisionsTotal.WithLabelValues(resp.Outcome, resp.Reason).Inc()
	metrics.QueryDuration.WithLabelValues(resp.Outcome).Observe(latency.Seconds())

	logger.Info("Query decided",
		zap.String("query_id", id),
		zap.String("request_id", req.RequestID),
		zap.String("role", string(req.Role.Role)),
		zap.String("outcome", resp.Outcome),
		zap.String("reason", resp.Reason),
		zap.Float64("confidence", resp.Confidence),
		zap.Int64("latency_ms", resp.LatencyMS),
	)

	return resp
}

// evaluate drives the gate until it reaches a terminal state.
func (e *Engine) evaluate(ctx context.Context, r *run) {
	r.step()

	model := r.scopeModel()
	res, err := runStage(ctx, stageScope, func(ctx context.Context) (models.ScopeResult, error) {
		return r.settings.Scope.Classify(ctx, r.query.Text, model)
	})
	if err != nil {
		e.fail(ctx, r, stageScope, err)
		return
	}
	r.scope = &res
	if !e.advance(r, r.machine.Scoped(res)) || r.machine.State().Terminal() {
		return
	}

	embedder := r.embedder()
	chunks, err := runStage(ctx, stageRetrieve, func(ctx context.Context) ([]models.RetrievedChunk, error) {
		return r.settings.Retriever.Retrieve(ctx, r.query.Text, res.Category, embedder)
	})
	if err != nil {
		e.fail(ctx, r, stageRetrieve, err)
		return
	}
	r.chunks = chunks
	metrics.RetrievedChunks.Observe(float64(len(chunks)))
	if !e.advance(r, r.machine.Retrieved(len(chunks))) || r.machine.State().Terminal() {
		return
	}

	generator, route, err := r.routes.Generator(router.RouteAnswering)
	if err != nil {
		e.fail(ctx, r, stageDraft, err)
		return
	}
	r.resolved(route)

	draft, err := runStage(ctx, stageDraft, func(ctx context.Context) (string, error) {
		return generator.Generate(ctx, generationRequest(r.query.Text, chunks))
	})
	if err != nil {
		e.fail(ctx, r, stageDraft, err)
		return
	}
	r.draft = draft
	if !e.advance(r, r.machine.Drafted()) {
		return
	}

	assessment, err := runStage(ctx, stageVerify, func(ctx context.Context) (models.GroundingAssessment, error) {
		return r.settings.Verifier.Verify(ctx, draft, chunks, embedder)
	})
	if err != nil {
		e.fail(ctx, r, stageVerify, err)
		return
	}
	r.assessment = assessment
	if assessment.Evaluated {
		metrics.GroundingScore.Observe(assessment.Score)
	}
	e.advance(r, r.machine.Verified(assessment))
}

// advance reports whether the transition was legal. An illegal one is a
// logic error and ends the query as internal_error.
func (e *Engine) advance(r *run, err error) bool {
	if err != nil {
		logger.Error("Illegal gate transition",
			zap.String("query_id", r.query.ID),
			zap.String("state", string(r.machine.State())),
			zap.Error(err),
		)
		if !r.machine.State().Terminal() {
			r.machine.Fail(models.ReasonInternalError)
		}
		r.step()
		return false
	}
	r.step()
	return true
}

func (e *Engine) fail(ctx context.Context, r *run, stage string, err error) {
	reason := classify(ctx, err)

	logger.Warn("Pipeline stage failed",
		zap.String("query_id", r.query.ID),
		zap.String("stage", stage),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)

	if ferr := r.machine.Fail(reason); ferr != nil {
		logger.Error("Illegal gate transition",
			zap.String("query_id", r.query.ID),
			zap.Error(ferr),
		)
		return
	}
	r.step()
}

// classify maps a stage error to a reason code. Any end of the query context,
// deadline or caller cancellation, is a timeout.
func classify(ctx context.Context, err error) models.ReasonCode {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.ReasonTimeout
	case errors.Is(err, errStagePanic):
		return models.ReasonInternalError
	default:
		return models.ReasonBackendError
	}
}

// scopeModel returns the optional model classifier. A missing route leaves
// the rules alone in charge.
func (r *run) scopeModel() llm.Classifier {
	if !r.settings.ModelAssist {
		return nil
	}
	c, route, err := r.routes.Classifier(router.RouteScope)
	if err != nil {
		logger.Debug("Scope model unavailable", zap.Error(err))
		return nil
	}
	r.resolved(route)
	return c
}

func (r *run) embedder() llm.Embedder {
	emb, route, err := r.routes.Embedder(router.RouteEmbedding)
	if err != nil {
		return nil
	}
	r.resolved(route)
	return emb
}

func (r *run) category() models.Category {
	if r.scope == nil {
		return ""
	}
	return r.scope.Category
}

func (r *run) answerText(d models.Decision) string {
	if d.Outcome != models.OutcomeAnswered {
		return ""
	}
	return r.draft
}

func (e *Engine) record(r *run, d models.Decision, cited []string, latency time.Duration) models.AuditRecord {
	scope := "unclassified"
	if r.scope != nil {
		scope = r.scope.String()
	}
	return models.AuditRecord{
		QueryID:          r.query.ID,
		Role:             r.query.Role.Role,
		Scope:            scope,
		ChunkLocators:    models.Locators(r.chunks),
		CitedLocators:    nonNil(cited),
		GroundingScore:   r.assessment.Score,
		Outcome:          d.Outcome,
		Reason:           d.Reason,
		Confidence:       d.Confidence,
		ThresholdVersion: d.ThresholdVersion,
		ConfigVersion:    r.settings.Version,
		RouteVersion:     r.routes.Version(),
		Routes:           r.used,
		LatencyMS:        latency.Milliseconds(),
		Timestamp:        r.query.SubmittedAt.UTC(),
	}
}

// generationRequest carries only the retrieved excerpts; nothing else reaches
// the prompt.
func generationRequest(question string, chunks []models.RetrievedChunk) llm.GenerationRequest {
	req := llm.GenerationRequest{Question: question}
	for _, c := range chunks {
		req.Excerpts = append(req.Excerpts, llm.Excerpt{Locator: c.Locator(), Text: c.Text})
	}
	return req
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
