package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lodgefeed/export-tracker/internal/domain"
)

// PostgresJobs keeps one row per export job. Suited to deployments that
// already run Postgres and want the job history queryable with SQL. Save
// replaces the stored set wholesale to match the whole-list persistence
// contract.
type PostgresJobs struct {
	pool   *pgxpool.Pool
	maxAge time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewPostgresJobs(ctx context.Context, databaseURL string, maxAge time.Duration, logger *log.Logger) (*PostgresJobs, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS export_jobs (
			job_id            TEXT PRIMARY KEY,
			export_type       TEXT NOT NULL,
			status            TEXT NOT NULL,
			progress          INT NOT NULL DEFAULT 0,
			processed_records INT NOT NULL DEFAULT 0,
			total_records     INT NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ NOT NULL,
			started_at        TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ,
			expires_at        TIMESTAMPTZ,
			error_message     TEXT NOT NULL DEFAULT '',
			download_url      TEXT NOT NULL DEFAULT '',
			filters           JSONB
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create export_jobs table: %w", err)
	}

	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &PostgresJobs{pool: pool, maxAge: maxAge, logger: logger, now: time.Now}, nil
}

func (s *PostgresJobs) Close() {
	s.pool.Close()
}

func (s *PostgresJobs) Load(ctx context.Context) []domain.ExportJob {
	cutoff := s.now().UTC().Add(-s.maxAge)

	if _, err := s.pool.Exec(ctx, `DELETE FROM export_jobs WHERE created_at <= $1`, cutoff); err != nil && s.logger != nil {
		s.logger.Printf("job store eviction failed: %v", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, export_type, status, progress, processed_records, total_records,
			created_at, started_at, completed_at, expires_at, error_message, download_url, filters
		FROM export_jobs
		WHERE created_at > $1
		ORDER BY created_at DESC
	`, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("job store load failed: %v", err)
		}
		return []domain.ExportJob{}
	}
	defer rows.Close()

	jobs := make([]domain.ExportJob, 0)
	for rows.Next() {
		var (
			job        domain.ExportJob
			exportType string
			status     string
			filters    []byte
		)
		err := rows.Scan(
			&job.ID,
			&exportType,
			&status,
			&job.Progress,
			&job.ProcessedRecords,
			&job.TotalRecords,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
			&job.ExpiresAt,
			&job.ErrorMessage,
			&job.DownloadURL,
			&filters,
		)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("job store scan failed: %v", err)
			}
			return []domain.ExportJob{}
		}
		job.Type = domain.ExportType(exportType)
		job.Status = domain.JobStatus(status)
		job.Filters = filters
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		if s.logger != nil {
			s.logger.Printf("job store iterate failed: %v", rows.Err())
		}
		return []domain.ExportJob{}
	}
	return jobs
}

func (s *PostgresJobs) Save(ctx context.Context, jobs []domain.ExportJob) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("job store save begin failed: %v", err)
		}
		return
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM export_jobs`); err != nil {
		if s.logger != nil {
			s.logger.Printf("job store save clear failed: %v", err)
		}
		return
	}

	for _, job := range jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO export_jobs (
				job_id, export_type, status, progress, processed_records, total_records,
				created_at, started_at, completed_at, expires_at, error_message, download_url, filters
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`,
			job.ID,
			string(job.Type),
			string(job.Status),
			job.Progress,
			job.ProcessedRecords,
			job.TotalRecords,
			job.CreatedAt,
			job.StartedAt,
			job.CompletedAt,
			job.ExpiresAt,
			job.ErrorMessage,
			job.DownloadURL,
			nullableJSON(job.Filters),
		)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("job store save insert failed job_id=%s: %v", job.ID, err)
			}
			return
		}
	}

	if err := tx.Commit(ctx); err != nil && s.logger != nil {
		s.logger.Printf("job store save commit failed: %v", err)
	}
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
