package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/media-transcriber/internal/jobs"
	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const defaultHistoryLimit = 50

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable log of transcription records and their events.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.DurableLog = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// single writer; serializes every statement
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return errors.Wrap(err, "set WAL mode")
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return errors.Wrapf(err, "check migration %s", entry.Name())
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return errors.Wrapf(err, "read migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return errors.Wrapf(err, "apply migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return errors.Wrapf(err, "record migration %s", entry.Name())
		}
	}
	return nil
}

// migrationVersion extracts the leading integer of a migration file name ("001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// SaveRecord upserts the record. A write older than the stored row is
// ignored so late writes cannot roll a job back.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec jobs.Record) error {
	artifacts, err := json.Marshal(nonNil(rec.Artifacts))
	if err != nil {
		return errors.Wrap(err, "encode artifacts")
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO transcriptions (
			task_id, user_id, original_filename, media_kind, model, language, detected_language,
			status, source_kind, audio_duration, processing_duration, started_at, completed_at,
			error_message, error_kind, transcript, artifacts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			user_id=excluded.user_id,
			original_filename=excluded.original_filename,
			media_kind=excluded.media_kind,
			model=excluded.model,
			language=excluded.language,
			detected_language=excluded.detected_language,
			status=excluded.status,
			source_kind=excluded.source_kind,
			audio_duration=excluded.audio_duration,
			processing_duration=excluded.processing_duration,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			error_message=excluded.error_message,
			error_kind=excluded.error_kind,
			transcript=excluded.transcript,
			artifacts=excluded.artifacts,
			updated_at=excluded.updated_at
		WHERE excluded.updated_at >= transcriptions.updated_at`,
		rec.JobID,
		rec.UserID,
		rec.OriginalName,
		string(rec.MediaKind),
		rec.Model,
		rec.Language,
		rec.DetectedLanguage,
		string(rec.Status),
		string(rec.SourceKind),
		rec.AudioDuration,
		rec.ProcessingDuration,
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		rec.ErrorMessage,
		rec.ErrorKind,
		rec.Text,
		string(artifacts),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	return errors.Wrapf(err, "save record %s", rec.JobID)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev jobs.Event) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transcription_logs (task_id, timestamp, status, progress, step, message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.JobID,
		ev.Timestamp.UTC(),
		string(ev.Status),
		ev.Progress,
		ev.Step,
		ev.Message,
	)
	return errors.Wrapf(err, "append event for %s", ev.JobID)
}

const recordColumns = `task_id, user_id, original_filename, media_kind, model, language, detected_language,
	status, source_kind, audio_duration, processing_duration, started_at, completed_at,
	error_message, error_kind, transcript, artifacts, created_at, updated_at`

func (s *SQLiteStore) LoadRecord(ctx context.Context, jobID string) (jobs.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transcriptions WHERE task_id = ?`, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Record{}, errors.Wrapf(jobs.ErrNotFound, "record %s", jobID)
	}
	if err != nil {
		return jobs.Record{}, errors.Wrapf(err, "load record %s", jobID)
	}
	return rec, nil
}

// ListRecords returns the newest records first. An empty userID lists all.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter HistoryFilter) ([]jobs.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT ` + recordColumns + ` FROM transcriptions`
	args := make([]any, 0, 2)
	if filter.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	defer rows.Close()

	ret := make([]jobs.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	return ret, nil
}

// ListEvents returns the events of one job in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]jobs.Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, timestamp, status, progress, step, message
		 FROM transcription_logs
		 WHERE task_id = ?
		 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list events of %s", jobID)
	}
	defer rows.Close()

	ret := make([]jobs.Event, 0)
	for rows.Next() {
		var ev jobs.Event
		var status string
		if err := rows.Scan(&ev.JobID, &ev.Timestamp, &status, &ev.Progress, &ev.Step, &ev.Message); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Status = jobs.Status(status)
		ret = append(ret, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "list events of %s", jobID)
	}
	return ret, nil
}

// DeleteEventsBefore prunes audit lines older than cutoff. Records stay.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcription_logs WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete old events")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (jobs.Record, error) {
	var rec jobs.Record
	var mediaKind, status, sourceKind, artifacts string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&rec.JobID,
		&rec.UserID,
		&rec.OriginalName,
		&mediaKind,
		&rec.Model,
		&rec.Language,
		&rec.DetectedLanguage,
		&status,
		&sourceKind,
		&rec.AudioDuration,
		&rec.ProcessingDuration,
		&startedAt,
		&completedAt,
		&rec.ErrorMessage,
		&rec.ErrorKind,
		&rec.Text,
		&artifacts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return jobs.Record{}, err
	}
	rec.MediaKind = jobs.MediaKind(mediaKind)
	rec.Status = jobs.Status(status)
	rec.SourceKind = jobs.SourceKind(sourceKind)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &rec.Artifacts); err != nil {
			return jobs.Record{}, errors.Wrap(err, "decode artifacts")
		}
	}
	if len(rec.Artifacts) == 0 {
		rec.Artifacts = nil
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ret := t.Time
	return &ret
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
