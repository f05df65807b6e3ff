// Package audit records one immutable AuditRecord per query. A write that
// cannot be made durable is reported as ErrUnavailable so the caller can fail
// closed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/internal/storage/sqlite"
	"github.com/policyguard/backend/pkg/logger"
	"github.com/policyguard/backend/pkg/retry"
)

var (
	ErrUnavailable = errors.New("audit sink unavailable")
	ErrNotFound    = sqlite.ErrNotFound
	// ErrConflict means the query id already holds a different record.
	ErrConflict    = errors.New("audit record conflicts with stored record")
)

// Store is the durable sink. Inserts must be idempotent by query id.
type Store interface {
	InsertAuditRecord(ctx context.Context, rec *models.AuditRecord) (bool, error)
	GetAuditRecord(ctx context.Context, queryID string) (*models.AuditRecord, error)
}

type Config struct {
	MaxAttempts int
	// Timeout bounds one Record call including retries.
	Timeout time.Duration
}

type Logger struct {
	store Store
	cfg   Config
}

func NewLogger(store Store, cfg Config) *Logger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Logger{store: store, cfg: cfg}
}

// Record persists rec. It detaches from the caller's cancellation so a client
// disconnect cannot drop the write; only cfg.Timeout bounds it.
func (l *Logger) Record(ctx context.Context, rec models.AuditRecord) error {
	if rec.QueryID == "" {
		return fmt.Errorf("%w: record has no query id", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.Timeout)
	defer cancel()

	rc := retry.DefaultConfig()
	rc.Name = "audit.record"
	rc.MaxAttempts = l.cfg.MaxAttempts
	rc.InitialDelay = 50 * time.Millisecond
	rc.Logger = logger.GetLogger()

	err := retry.Do(ctx, rc, func() error {
		inserted, err := l.store.InsertAuditRecord(ctx, &rec)
		if err != nil || inserted {
			return err
		}
		// Already present: fine for a retried write of this record, a
		// conflict for anything else.
		stored, err := l.store.GetAuditRecord(ctx, rec.QueryID)
		if err != nil {
			return err
		}
		if !sameRecord(*stored, rec) {
			return retry.Permanent(fmt.Errorf("%w: query %s", ErrConflict, rec.QueryID))
		}
		return nil
	})
	if err != nil {
		logger.Error("Audit write failed",
			zap.String("query_id", rec.QueryID),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func sameRecord(a, b models.AuditRecord) bool {
	return a.QueryID == b.QueryID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Role == b.Role &&
		a.Scope == b.Scope &&
		a.Outcome == b.Outcome &&
		a.Reason == b.Reason &&
		a.ThresholdVersion == b.ThresholdVersion &&
		a.RouteVersion == b.RouteVersion
}

func (l *Logger) Get(ctx context.Context, queryID string) (*models.AuditRecord, error) {
	return l.store.GetAuditRecord(ctx, queryID)
}
