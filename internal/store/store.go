// Package store persists session transcripts once sessions reach a
// terminal state. The durable backend is SQLite via modernc.org/sqlite
// (pure Go, CGO-free); a Redis stream sink is available for export to
// downstream consumers, and Discard serves deployments that keep nothing.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/conductor/pkg/engine"
)

//go:embed migrations/001_transcripts.sql
var transcriptSchema string

// DBFileName is the SQLite database file created under the data directory.
const DBFileName = "conductor.db"

// ErrTranscriptNotFound reports a lookup for a session never archived.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Store provides access to the SQLite transcript archive.
type Store struct {
	db *sql.DB
}

// NewDB opens (creating if needed) the transcript database under dataDir
// and runs migrations. The directory should be on a local filesystem;
// SQLite over network mounts is prone to corruption.
func NewDB(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// initPragmas configures SQLite for concurrent reads and bounded waits.
func (s *Store) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Migrate runs the embedded schema migrations. Idempotent.
func (s *Store) Migrate() error {
	migrations := []struct {
		name   string
		schema string
	}{
		{"transcripts", transcriptSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m.name, m.schema); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

// runMigration executes one migration schema inside a transaction.
func (s *Store) runMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQL(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	return nil
}

// splitSQL splits a multi-statement schema into individual statements.
// Quote-aware so semicolons inside string literals do not split; line
// comments are dropped.
func splitSQL(schema string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	quote := rune(0)

	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inString && (trimmed == "" || strings.HasPrefix(trimmed, "--")) {
			continue
		}

		for _, ch := range line {
			switch {
			case !inString && (ch == '\'' || ch == '"'):
				inString = true
				quote = ch
			case inString && ch == quote:
				inString = false
				quote = 0
			}

			current.WriteRune(ch)

			if ch == ';' && !inString {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
			}
		}
		current.WriteRune('\n')
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSCRIPT OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveTranscript archives one terminal session. Replays of the same
// session overwrite the earlier row, so retried writes stay idempotent.
func (s *Store) SaveTranscript(ctx context.Context, t *engine.Transcript) error {
	if t == nil || t.SessionID == "" {
		return fmt.Errorf("transcript session ID cannot be empty")
	}

	stagesJSON, err := json.Marshal(t.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO transcripts (
			session_id, user_id, query, modality, intent, state,
			stages, stage_outcomes, summary,
			quality_score, confidence, error_kind, error_message,
			word_count, quality_retries, degraded,
			created_at, finished_at, processing_ms
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.SessionID, nullString(t.UserID), t.Query, string(t.Modality), string(t.Intent), string(t.State),
		string(stagesJSON), nullString(t.StageOutcomes), nullString(t.Summary),
		t.QualityScore, nullString(string(t.Confidence)), nullString(string(t.ErrorKind)), nullString(t.ErrorMessage),
		t.WordCount, t.QualityRetries, boolInt(t.Degraded),
		t.CreatedAt.UTC(), t.FinishedAt.UTC(), t.ProcessingTime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}

	return nil
}

// GetTranscript retrieves one archived transcript by session ID.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) (*engine.Transcript, error) {
	query := transcriptColumns + ` WHERE session_id = ?`

	t, err := scanTranscript(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, sessionID)
		}
		return nil, fmt.Errorf("query transcript: %w", err)
	}

	return t, nil
}

// RecentTranscripts returns the most recently finished transcripts,
// newest first. limit values outside (0, maxHistoryLimit] are clamped.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]*engine.Transcript, error) {
	const maxHistoryLimit = 500
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := transcriptColumns + ` ORDER BY finished_at DESC, session_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	transcripts := make([]*engine.Transcript, 0, limit)
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		transcripts = append(transcripts, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}

	return transcripts, nil
}

// CountByState returns archived transcript counts keyed by terminal state.
func (s *Store) CountByState(ctx context.Context) (map[engine.SessionState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM transcripts GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count transcripts: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.SessionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[engine.SessionState(state)] = n
	}

	return counts, rows.Err()
}

const transcriptColumns = `
	SELECT
		session_id, user_id, query, modality, intent, state,
		stages, stage_outcomes, summary,
		quality_score, confidence, error_kind, error_message,
		word_count, quality_retries, degraded,
		created_at, finished_at, processing_ms
	FROM transcripts`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*engine.Transcript, error) {
	var t engine.Transcript
	var userID, stageOutcomes, summary, confidence, errorKind, errorMessage sql.NullString
	var stagesJSON string
	var modality, intent, state string
	var degraded int
	var processingMS int64

	err := row.Scan(
		&t.SessionID, &userID, &t.Query, &modality, &intent, &state,
		&stagesJSON, &stageOutcomes, &summary,
		&t.QualityScore, &confidence, &errorKind, &errorMessage,
		&t.WordCount, &t.QualityRetries, &degraded,
		&t.CreatedAt, &t.FinishedAt, &processingMS,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stagesJSON), &t.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}

	t.Modality = engine.Modality(modality)
	t.Intent = engine.Intent(intent)
	t.State = engine.SessionState(state)
	t.UserID = userID.String
	t.StageOutcomes = stageOutcomes.String
	t.Summary = summary.String
	t.Confidence = engine.Confidence(confidence.String)
	t.ErrorKind = engine.ErrorKind(errorKind.String)
	t.ErrorMessage = errorMessage.String
	t.Degraded = degraded != 0
	t.ProcessingTime = time.Duration(processingMS) * time.Millisecond

	return &t, nil
}

// Health checks that the database connection is alive and responsive.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// Close flushes the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// Flush WAL to the main database file; failure is not fatal to close.
	s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// DB returns the underlying *sql.DB for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
