package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/storage/models"
	"github.com/policyguard/backend/pkg/logger"
)

var ErrNotFound = errors.New("audit record not found")

// Client is the durable audit sink. Writes are serialized through mu so that
// concurrent queries never interleave a record.
type Client struct {
	db *sql.DB
	mu sync.Mutex
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	_, err = db.Exec("PRAGMA synchronous = FULL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		query_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		scope TEXT NOT NULL,
		chunk_locators TEXT NOT NULL,
		cited_locators TEXT NOT NULL,
		grounding_score REAL NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		confidence REAL NOT NULL,
		threshold_version TEXT NOT NULL,
		config_version TEXT,
		route_version TEXT,
		routes TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_records(outcome);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at);

	CREATE TRIGGER IF NOT EXISTS audit_records_no_update
	BEFORE UPDATE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
	BEFORE DELETE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertAuditRecord appends rec. A second insert for the same query id is a
// no-op and reports inserted=false.
func (c *Client) InsertAuditRecord(ctx context.Context, rec *models.AuditRecord) (bool, error) {
	chunks, err := json.Marshal(nonNil(rec.ChunkLocators))
	if err != nil {
		return false, fmt.Errorf("failed to marshal chunk locators: %w", err)
	}
	cited, err := json.Marshal(nonNil(rec.CitedLocators))
	if err != nil {
		return false, fmt.Errorf("failed to marshal cited locators: %w", err)
	}
	routes := rec.Routes
	if routes == nil {
		routes = map[string]string{}
	}
	routesJSON, err := json.Marshal(routes)
	if err != nil {
		return false, fmt.Errorf("failed to marshal routes: %w", err)
	}

	query := `
		INSERT INTO audit_records (query_id, role, scope, chunk_locators, cited_locators, grounding_score,
			outcome, reason, confidence, threshold_version, config_version, route_version, routes,
			latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_id) DO NOTHING
	`

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		query,
		rec.QueryID,
		string(rec.Role),
		rec.Scope,
		string(chunks),
		string(cited),
		rec.GroundingScore,
		string(rec.Outcome),
		string(rec.Reason),
		rec.Confidence,
		rec.ThresholdVersion,
		rec.ConfigVersion,
		rec.RouteVersion,
		string(routesJSON),
		rec.LatencyMS,
		rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		logger.Debug("Audit record already present", zap.String("query_id", rec.QueryID))
		return false, nil
	}

	logger.Debug("Audit record inserted",
		zap.String("query_id", rec.QueryID),
		zap.String("outcome", string(rec.Outcome)),
	)
	return true, nil
}

func (c *Client) GetAuditRecord(ctx context.Context, queryID string) (*models.AuditRecord, error) {
	query := `
		SELECT query_id, role, scope, chunk_locators, cited_locators, grounding_score, outcome, reason,
			confidence, threshold_version, config_version, route_version, routes, latency_ms, created_at
		FROM audit_records WHERE query_id = ?
	`

	var (
		rec                         models.AuditRecord
		role, outcome, reason       string
		chunks, cited, routes       string
		configVersion, routeVersion sql.NullString
		createdAt                   int64
	)

	err := c.db.QueryRowContext(ctx, query, queryID).Scan(
		&rec.QueryID,
		&role,
		&rec.Scope,
		&chunks,
		&cited,
		&rec.GroundingScore,
		&outcome,
		&reason,
		&rec.Confidence,
		&rec.ThresholdVersion,
		&configVersion,
		&routeVersion,
		&routes,
		&rec.LatencyMS,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}

	if err := json.Unmarshal([]byte(chunks), &rec.ChunkLocators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk locators: %w", err)
	}
	if err := json.Unmarshal([]byte(cited), &rec.CitedLocators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cited locators: %w", err)
	}
	if err := json.Unmarshal([]byte(routes), &rec.Routes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routes: %w", err)
	}

	rec.Role = models.Role(role)
	rec.Outcome = models.Outcome(outcome)
	rec.Reason = models.ReasonCode(reason)
	rec.ConfigVersion = configVersion.String
	rec.RouteVersion = routeVersion.String
	rec.Timestamp = time.Unix(0, createdAt).UTC()

	return &rec, nil
}

func (c *Client) CountAuditRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

// OutcomeCounts returns the number of records per outcome and reason code.
func (c *Client) OutcomeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT outcome, COALESCE(reason, ''), COUNT(*)
		FROM audit_records
		GROUP BY outcome, reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome, reason string
		var n int64
		if err := rows.Scan(&outcome, &reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		key := outcome
		if reason != "" {
			key += ":" + reason
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return counts, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
