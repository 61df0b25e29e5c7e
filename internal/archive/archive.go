// Package archive persists completed account plans to a relational store,
// outside the TTL-bounded session store.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/planforge/orchestrator/internal/metrics"
	"github.com/planforge/orchestrator/internal/plan"
)

// Config selects the backing database. Driver is "postgres" or "sqlite3".
type Config struct {
	Driver string
	DSN    string
}

// Client is the archive store. Safe for concurrent use.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// ArchivedPlan is one persisted plan row. Payload holds the full plan JSON.
type ArchivedPlan struct {
	ID          string    `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	CompanyName string    `db:"company_name" json:"company_name"`
	Payload     []byte    `db:"payload" json:"payload"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	company_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_session ON plans (session_id);
CREATE INDEX IF NOT EXISTS idx_plans_company ON plans (company_name);
`

// NewClient connects to the archive database and bootstraps the schema.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap archive schema: %w", err)
	}
	logger.Info("Archive store ready", zap.String("driver", cfg.Driver))
	return &Client{db: db, logger: logger}, nil
}

// NewClientWithDB wraps an existing connection, for tests.
func NewClientWithDB(db *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{db: db, logger: logger}
}

// SavePlan archives a completed plan. Each save is a new row; a session can
// accumulate several plan revisions.
func (c *Client) SavePlan(ctx context.Context, sessionID string, p *plan.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("plan", "error").Inc()
		return fmt.Errorf("encode plan: %w", err)
	}

	query := c.db.Rebind(`INSERT INTO plans (id, session_id, company_name, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	_, err = c.db.ExecContext(ctx, query,
		uuid.New().String(), sessionID, p.CompanyName, string(payload), time.Now().UTC())
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("plan", "error").Inc()
		return fmt.Errorf("insert plan: %w", err)
	}

	metrics.ArchiveWrites.WithLabelValues("plan", "ok").Inc()
	c.logger.Info("Archived plan",
		zap.String("session_id", sessionID),
		zap.String("company", p.CompanyName))
	return nil
}

// ListPlans returns archived plans for a session, newest first.
func (c *Client) ListPlans(ctx context.Context, sessionID string) ([]ArchivedPlan, error) {
	query := c.db.Rebind(`SELECT id, session_id, company_name, payload, created_at FROM plans WHERE session_id = ? ORDER BY created_at DESC`)
	var plans []ArchivedPlan
	if err := c.db.SelectContext(ctx, &plans, query, sessionID); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// GetPlan fetches one archived plan by id.
func (c *Client) GetPlan(ctx context.Context, id string) (*ArchivedPlan, error) {
	query := c.db.Rebind(`SELECT id, session_id, company_name, payload, created_at FROM plans WHERE id = ?`)
	var archived ArchivedPlan
	if err := c.db.GetContext(ctx, &archived, query, id); err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return &archived, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
