package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStats is one row of run statistics.
type RunStats struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Bytes     int64         `json:"bytes"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// RecordStore persists processing records, download jobs and run statistics
// in SQLite.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (or creates) the database at databaseURL.
// Supported formats:
//   - sqlite:./records.db
//   - file:./records.db
//   - ./records.db
func OpenRecordStore(databaseURL string) (*RecordStore, error) {
	dsn := normalizeDSN(databaseURL)
	if path := dsnPath(dsn); path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, apperr.Storage("open records", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Storage("open records", fmt.Errorf("open sqlite database: %w", err))
	}

	// SQLite works best with a single writer connection for WAL
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(1)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, apperr.Storage("open records", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, apperr.Storage("open records", err)
	}

	return &RecordStore{db: db}, nil
}

func normalizeDSN(databaseURL string) string {
	dsn := strings.TrimSpace(databaseURL)
	if dsn == "" {
		dsn = "./records.db"
	}

	if idx := strings.Index(dsn, ":"); idx != -1 {
		prefix := dsn[:idx]
		if prefix == "sqlite3" || prefix == "sqlite" {
			dsn = dsn[idx+1:]
		}
	}

	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + filepath.Clean(dsn)
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	return dsn
}

func dsnPath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	return path
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("configure sqlite pragma (%s): %w", pragma, err)
		}
	}
	return nil
}

func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS processing_records (
			asset_id INTEGER PRIMARY KEY,
			processing_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_step TEXT,
			download_job_ids TEXT NOT NULL DEFAULT '[]',
			stored_file_paths TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON processing_records(status, started_at);`,
		`CREATE TABLE IF NOT EXISTS download_jobs (
			job_id TEXT PRIMARY KEY,
			asset_id INTEGER NOT NULL,
			quality TEXT NOT NULL,
			source_url TEXT NOT NULL,
			output_path TEXT NOT NULL,
			status TEXT NOT NULL,
			progress_percent REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			error_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_asset ON download_jobs(asset_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS run_stats (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			processed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			errors INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// SaveRecord inserts or updates the record of an asset.
func (s *RecordStore) SaveRecord(ctx context.Context, r *model.ProcessingRecord) error {
	jobIDs, err := encodeList(r.DownloadJobIDs)
	if err != nil {
		return apperr.Storage("save record", err)
	}
	paths, err := encodeList(r.StoredFilePaths)
	if err != nil {
		return apperr.Storage("save record", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO processing_records
		(asset_id, processing_id, status, started_at, completed_at, attempts, last_error, last_step,
			download_job_ids, stored_file_paths, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			processing_id = excluded.processing_id,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			last_step = excluded.last_step,
			download_job_ids = excluded.download_job_ids,
			stored_file_paths = excluded.stored_file_paths,
			updated_at = excluded.updated_at`,
		r.AssetID, r.ProcessingID, string(r.Status), r.StartedAt.UTC(), nullableTime(r.CompletedAt),
		r.Attempts, r.LastError, r.LastStep, jobIDs, paths, time.Now().UTC())
	if err != nil {
		return apperr.Storage("save record", err)
	}
	return nil
}

// GetRecord returns the record of an asset, or ErrNotFound.
func (s *RecordStore) GetRecord(ctx context.Context, assetID int64) (*model.ProcessingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT asset_id, processing_id, status, started_at, completed_at,
		attempts, last_error, last_step, download_job_ids, stored_file_paths
		FROM processing_records WHERE asset_id = ?`, assetID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get record", err)
	}
	return r, nil
}

// ListRecords returns records newest first. An empty status lists all.
func (s *RecordStore) ListRecords(ctx context.Context, status model.ProcessingStatus, limit int) ([]*model.ProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT asset_id, processing_id, status, started_at, completed_at,
		attempts, last_error, last_step, download_job_ids, stored_file_paths
		FROM processing_records`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("list records", err)
	}
	defer rows.Close()

	var records []*model.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.Storage("list records", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list records", err)
	}
	return records, nil
}

// CountByStatus returns the number of records per status.
func (s *RecordStore) CountByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processing_records GROUP BY status`)
	if err != nil {
		return nil, apperr.Storage("count records", err)
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Storage("count records", err)
		}
		counts[model.ProcessingStatus(status)] = n
	}
	return counts, rows.Err()
}

// SaveJob inserts or updates a download job.
func (s *RecordStore) SaveJob(ctx context.Context, j *model.DownloadJob) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO download_jobs
		(job_id, asset_id, quality, source_url, output_path, status, progress_percent,
			created_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			progress_percent = excluded.progress_percent,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message`,
		j.JobID, j.AssetID, j.Quality, j.SourceURL, j.OutputPath, string(j.Status), j.ProgressPercent,
		j.CreatedAt.UTC(), nullableTime(j.CompletedAt), j.ErrorMessage)
	if err != nil {
		return apperr.Storage("save job", err)
	}
	return nil
}

// ListJobs returns the download jobs of an asset, oldest first.
func (s *RecordStore) ListJobs(ctx context.Context, assetID int64) ([]*model.DownloadJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, asset_id, quality, source_url, output_path, status,
		progress_percent, created_at, completed_at, error_message
		FROM download_jobs WHERE asset_id = ? ORDER BY created_at ASC`, assetID)
	if err != nil {
		return nil, apperr.Storage("list jobs", err)
	}
	defer rows.Close()

	var jobs []*model.DownloadJob
	for rows.Next() {
		var (
			j         model.DownloadJob
			status    string
			completed sql.NullTime
			errMsg    sql.NullString
		)
		if err := rows.Scan(&j.JobID, &j.AssetID, &j.Quality, &j.SourceURL, &j.OutputPath, &status,
			&j.ProgressPercent, &j.CreatedAt, &completed, &errMsg); err != nil {
			return nil, apperr.Storage("list jobs", err)
		}
		j.Status = model.JobStatus(status)
		if completed.Valid {
			t := completed.Time
			j.CompletedAt = &t
		}
		j.ErrorMessage = errMsg.String
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// RecordRunStats appends a run statistics row. An empty ID is filled in.
func (s *RecordStore) RecordRunStats(ctx context.Context, st RunStats) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_stats
		(id, started_at, ended_at, processed, failed, skipped, bytes, errors, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.StartedAt.UTC(), st.EndedAt.UTC(), st.Processed, st.Failed, st.Skipped,
		st.Bytes, st.Errors, st.Duration.Milliseconds())
	if err != nil {
		return apperr.Storage("record run stats", err)
	}
	return nil
}

// LatestRunStats returns the most recent run, or ErrNotFound.
func (s *RecordStore) LatestRunStats(ctx context.Context) (*RunStats, error) {
	var st RunStats
	var durationMs int64
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, ended_at, processed, failed, skipped, bytes, errors, duration_ms
		FROM run_stats ORDER BY ended_at DESC LIMIT 1`).Scan(
		&st.ID, &st.StartedAt, &st.EndedAt, &st.Processed, &st.Failed, &st.Skipped, &st.Bytes, &st.Errors, &durationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Storage("latest run stats", err)
	}
	st.Duration = time.Duration(durationMs) * time.Millisecond
	return &st, nil
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*model.ProcessingRecord, error) {
	var (
		r         model.ProcessingRecord
		status    string
		completed sql.NullTime
		lastError sql.NullString
		lastStep  sql.NullString
		jobIDs    string
		paths     string
	)

	if err := scanner.Scan(&r.AssetID, &r.ProcessingID, &status, &r.StartedAt, &completed,
		&r.Attempts, &lastError, &lastStep, &jobIDs, &paths); err != nil {
		return nil, err
	}

	r.Status = model.ProcessingStatus(status)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	r.LastError = lastError.String
	r.LastStep = lastStep.String
	if err := json.Unmarshal([]byte(jobIDs), &r.DownloadJobIDs); err != nil {
		return nil, fmt.Errorf("decode download job ids: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &r.StoredFilePaths); err != nil {
		return nil, fmt.Errorf("decode stored file paths: %w", err)
	}
	return &r, nil
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	return string(data), err
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
