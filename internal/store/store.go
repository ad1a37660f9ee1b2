// Package store mirrors session records into PostgreSQL so other tools can
// query capture progress without walking the data directory.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found in store")

// Store manages the PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			name TEXT NOT NULL,
			cohort_year TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			uploaded_at TIMESTAMPTZ,
			video_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
			faces_extracted BOOLEAN NOT NULL DEFAULT FALSE,
			faces_count INT NOT NULL DEFAULT 0,
			video_path TEXT NOT NULL DEFAULT '',
			last_reset_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS sessions_subject_id_idx ON sessions (subject_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveSession inserts the session or overwrites the existing row.
func (s *Store) SaveSession(ctx context.Context, sess types.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, subject_id, name, cohort_year, department, created_at, uploaded_at,
			video_uploaded, faces_extracted, faces_count, video_path, last_reset_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id,
			name = EXCLUDED.name,
			cohort_year = EXCLUDED.cohort_year,
			department = EXCLUDED.department,
			uploaded_at = EXCLUDED.uploaded_at,
			video_uploaded = EXCLUDED.video_uploaded,
			faces_extracted = EXCLUDED.faces_extracted,
			faces_count = EXCLUDED.faces_count,
			video_path = EXCLUDED.video_path,
			last_reset_at = EXCLUDED.last_reset_at,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, sess.SessionID, sess.SubjectID, sess.Name, sess.CohortYear, sess.Department, sess.CreatedAt,
		sess.UploadedAt, sess.VideoUploaded, sess.FacesExtracted, sess.FacesCount, sess.VideoPath,
		sess.LastResetAt, sess.LastError)
	return err
}

const selectSessions = `
	SELECT id, subject_id, name, cohort_year, department, created_at, uploaded_at,
		video_uploaded, faces_extracted, faces_count, video_path, last_reset_at, last_error
	FROM sessions`

func scanSession(row pgx.Row) (types.Session, error) {
	var sess types.Session
	err := row.Scan(&sess.SessionID, &sess.SubjectID, &sess.Name, &sess.CohortYear, &sess.Department,
		&sess.CreatedAt, &sess.UploadedAt, &sess.VideoUploaded, &sess.FacesExtracted, &sess.FacesCount,
		&sess.VideoPath, &sess.LastResetAt, &sess.LastError)
	return sess, err
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, selectSessions+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, ErrNotFound
	}
	return sess, err
}

// ListSessions returns every session, oldest first. An empty subjectID lists all subjects.
func (s *Store) ListSessions(ctx context.Context, subjectID string) ([]types.Session, error) {
	query := selectSessions + " WHERE ($1 = '' OR subject_id = $1) ORDER BY created_at ASC, id ASC"
	rows, err := s.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS sessions CASCADE;`)
	return err
}
