// Package database persists scan jobs, per-stage results, and summaries.
// Postgres is the production driver; pure-Go SQLite serves single-binary
// deployments and tests.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type sqlStore struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
	log *logger.Logger
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.ResultStore, error) {
	log = log.WithComponent("database")

	start := time.Now()
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{db: db, cfg: cfg, log: log}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized",
		"driver", cfg.Driver,
		"init_duration_ms", time.Since(start).Milliseconds(),
	)
	return store, nil
}

func (s *sqlStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		requester TEXT,
		state TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_results (
		scan_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		outcome TEXT NOT NULL,
		artifact_path TEXT,
		invocation TEXT NOT NULL,
		error_message TEXT,
		completed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (scan_id, stage)
	);

	CREATE TABLE IF NOT EXISTS summaries (
		scan_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scans_domain ON scans(domain);
	CREATE INDEX IF NOT EXISTS idx_scans_state ON scans(state);
	CREATE INDEX IF NOT EXISTS idx_scans_updated_at ON scans(updated_at);
	CREATE INDEX IF NOT EXISTS idx_stage_results_scan_id ON stage_results(scan_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// rebind translates ? placeholders for the active driver.
func (s *sqlStore) rebind(query string) string {
	return s.db.Rebind(query)
}

func (s *sqlStore) SaveScan(ctx context.Context, job *types.ScanJob) error {
	query := s.rebind(`
		INSERT INTO scans (id, domain, requester, state, retries, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Domain, job.Requester, string(job.State),
		job.Retries, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save scan %s: %w", job.ID, err)
	}
	return nil
}

func (s *sqlStore) UpdateScan(ctx context.Context, job *types.ScanJob) error {
	query := s.rebind(`
		UPDATE scans SET state = ?, retries = ?, error_message = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(job.State), job.Retries, job.Error, job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update scan %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// First write for jobs that skipped the API path.
		return s.SaveScan(ctx, job)
	}
	return nil
}

func (s *sqlStore) GetScan(ctx context.Context, jobID string) (*types.ScanJob, error) {
	var row scanRow
	query := s.rebind(`SELECT * FROM scans WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to get scan %s: %w", jobID, err)
	}
	return row.toJob(), nil
}

func (s *sqlStore) SaveStageResults(ctx context.Context, jobID string, results []types.StageResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := s.rebind(`DELETE FROM stage_results WHERE scan_id = ?`)
	if _, err := tx.ExecContext(ctx, del, jobID); err != nil {
		return fmt.Errorf("failed to clear stage results for %s: %w", jobID, err)
	}

	ins := s.rebind(`
		INSERT INTO stage_results (scan_id, stage, outcome, artifact_path, invocation, error_message, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range results {
		invocation, err := json.Marshal(r.Invocation)
		if err != nil {
			return fmt.Errorf("failed to marshal invocation for %s/%s: %w", jobID, r.Stage, err)
		}
		if _, err := tx.ExecContext(ctx, ins,
			jobID, string(r.Stage), string(r.Outcome), r.ArtifactPath,
			string(invocation), r.Error, r.CompletedAt); err != nil {
			return fmt.Errorf("failed to save stage result %s/%s: %w", jobID, r.Stage, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetStageResults(ctx context.Context, jobID string) ([]types.StageResult, error) {
	var rows []stageResultRow
	query := s.rebind(`SELECT * FROM stage_results WHERE scan_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get stage results for %s: %w", jobID, err)
	}

	results := make([]types.StageResult, 0, len(rows))
	for _, row := range rows {
		r, err := row.toResult()
		if err != nil {
			s.log.Warnw("Skipping undecodable stage result",
				"scan_id", jobID,
				"stage", row.Stage,
				"error", err,
			)
			continue
		}
		results = append(results, r)
	}

	// Restore pipeline order; the database has no opinion on it.
	ordered := make([]types.StageResult, 0, len(results))
	for _, stage := range types.Stages {
		for _, r := range results {
			if r.Stage == stage {
				ordered = append(ordered, r)
			}
		}
	}
	return ordered, nil
}

func (s *sqlStore) SaveSummary(ctx context.Context, jobID string, summary types.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary for %s: %w", jobID, err)
	}

	del := s.rebind(`DELETE FROM summaries WHERE scan_id = ?`)
	if _, err := s.db.ExecContext(ctx, del, jobID); err != nil {
		return fmt.Errorf("failed to clear summary for %s: %w", jobID, err)
	}

	ins := s.rebind(`INSERT INTO summaries (scan_id, summary, created_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, ins, jobID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save summary for %s: %w", jobID, err)
	}
	return nil
}

func (s *sqlStore) GetSummary(ctx context.Context, jobID string) (*types.Summary, error) {
	var data string
	query := s.rebind(`SELECT summary FROM summaries WHERE scan_id = ?`)
	if err := s.db.GetContext(ctx, &data, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("summary for %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to get summary for %s: %w", jobID, err)
	}

	var summary types.Summary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary for %s: %w", jobID, err)
	}
	return &summary, nil
}

func (s *sqlStore) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	var expired []string
	sel := s.rebind(`SELECT id FROM scans WHERE state IN ('completed', 'failed') AND updated_at < ?`)
	if err := s.db.SelectContext(ctx, &expired, sel, cutoff); err != nil {
		return 0, fmt.Errorf("failed to list expired scans: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range expired {
		for _, query := range []string{
			`DELETE FROM stage_results WHERE scan_id = ?`,
			`DELETE FROM summaries WHERE scan_id = ?`,
			`DELETE FROM scans WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(query), id); err != nil {
				return 0, fmt.Errorf("failed to purge scan %s: %w", id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.log.Infow("Purged expired scans", "count", len(expired), "retention", retention)
	return int64(len(expired)), nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanRow struct {
	ID        string    `db:"id"`
	Domain    string    `db:"domain"`
	Requester string    `db:"requester"`
	State     string    `db:"state"`
	Retries   int       `db:"retries"`
	Error     string    `db:"error_message"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r scanRow) toJob() *types.ScanJob {
	return &types.ScanJob{
		ID:        r.ID,
		Domain:    r.Domain,
		Requester: r.Requester,
		State:     types.JobState(r.State),
		Retries:   r.Retries,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type stageResultRow struct {
	ScanID       string    `db:"scan_id"`
	Stage        string    `db:"stage"`
	Outcome      string    `db:"outcome"`
	ArtifactPath string    `db:"artifact_path"`
	Invocation   string    `db:"invocation"`
	Error        string    `db:"error_message"`
	CompletedAt  time.Time `db:"completed_at"`
}

func (r stageResultRow) toResult() (types.StageResult, error) {
	var invocation types.ToolInvocation
	if err := json.Unmarshal([]byte(r.Invocation), &invocation); err != nil {
		return types.StageResult{}, err
	}
	return types.StageResult{
		Stage:        types.Stage(r.Stage),
		Outcome:      types.StageOutcome(r.Outcome),
		ArtifactPath: r.ArtifactPath,
		Invocation:   invocation,
		Error:        r.Error,
		CompletedAt:  r.CompletedAt,
	}, nil
}
