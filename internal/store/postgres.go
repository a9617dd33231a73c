package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tailorcv/backend/internal/status"
)

// Postgres is a pgx-backed StatusStore shared by all server instances.
type Postgres struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS job_stages (
	job_id       TEXT        NOT NULL,
	stage        TEXT        NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	resource     JSONB,
	PRIMARY KEY (job_id, stage)
)`

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Apply upserts the stage record, keeping the newest completion and its
// resource payload under at-least-once redelivery.
func (p *Postgres) Apply(ctx context.Context, jobID string, stage status.Stage, completedAt time.Time, resource json.RawMessage) error {
	query := `
		INSERT INTO job_stages (job_id, stage, completed_at, resource)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, stage) DO UPDATE
		SET completed_at = EXCLUDED.completed_at,
		    resource     = EXCLUDED.resource
		WHERE job_stages.completed_at < EXCLUDED.completed_at
	`
	if _, err := p.pool.Exec(ctx, query, jobID, string(stage), completedAt, resource); err != nil {
		return fmt.Errorf("failed to record stage completion: %w", err)
	}
	return nil
}

func (p *Postgres) Snapshot(ctx context.Context, jobID string) (status.Snapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT stage, completed_at FROM job_stages WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	w := status.Watermark{}
	for rows.Next() {
		var name string
		var completedAt time.Time
		if err := rows.Scan(&name, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage row: %w", err)
		}
		if stage, ok := status.ParseStage(name); ok {
			w[stage] = completedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stage rows: %w", err)
	}
	return w.Snapshot(), nil
}

func (p *Postgres) Resource(ctx context.Context, jobID string, stage status.Stage) (json.RawMessage, error) {
	var resource json.RawMessage
	err := p.pool.QueryRow(ctx,
		`SELECT resource FROM job_stages WHERE job_id = $1 AND stage = $2`,
		jobID, string(stage)).Scan(&resource)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resource: %w", err)
	}
	if resource == nil {
		return nil, ErrNotFound
	}
	return resource, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
