package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "modernc.org/sqlite"             // registers "sqlite" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLStore persists to PostgreSQL (pgx) or SQLite (modernc), chosen by DSN.
type SQLStore struct {
	db *sql.DB
}

// Open connects to dsn and applies pending migrations. postgres:// and
// postgresql:// URLs use pgx; anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	driver, source := driverFor(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if driver == "sqlite" {
		// One writer at a time; WAL lets readers proceed.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err = db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("store %s: %w", pragma, err)
			}
		}
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func driverFor(dsn string) (string, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn
	}
	return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if execErr := execStatements(ctx, db, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// execStatements runs a migration file one statement at a time; not every
// driver accepts multi-statement Exec.
func execStatements(ctx context.Context, db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, mode, config, system_prompt, user_role, ai_role, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.Mode, string(cfg), sess.SystemPrompt,
		sess.UserRole, sess.AIRole, string(sess.Status), sess.StartedAt.UTC(),
	)
	return err
}

// UpdateSession writes the session's status and end time.
func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, ended_at = $2 WHERE id = $3`,
		string(sess.Status), nullTime(sess.EndedAt), sess.ID,
	)
	return err
}

// CreateTurn inserts an open turn.
func (s *SQLStore) CreateTurn(ctx context.Context, t *Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, turn_number, transcript, response, interrupted, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SessionID, t.Number, t.Transcript, t.Response, t.Interrupted, t.StartedAt.UTC(),
	)
	return err
}

// UpdateTurn writes the turn's text, interrupted flag and end time.
func (s *SQLStore) UpdateTurn(ctx context.Context, t *Turn) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET transcript = $1, response = $2, interrupted = $3, ended_at = $4 WHERE id = $5`,
		t.Transcript, t.Response, t.Interrupted, nullTime(t.EndedAt), t.ID,
	)
	return err
}

// NextTurnNumber returns one past the highest turn number in the session.
func (s *SQLStore) NextTurnNumber(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) + 1 FROM turns WHERE session_id = $1`, sessionID,
	).Scan(&n)
	return n, err
}

// CreateLatencyMetrics stores the derived latency of one turn.
func (s *SQLStore) CreateLatencyMetrics(ctx context.Context, r *LatencyRecord) error {
	var interrupt sql.NullInt64
	if r.Metrics.InterruptMs != nil {
		interrupt = sql.NullInt64{Int64: *r.Metrics.InterruptMs, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO latency_metrics (turn_id, session_id, mode, total_ms, stt_ms, llm_ttft_ms, tts_ttfb_ms, response_ms, interrupt_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.TurnID, r.SessionID, r.Metrics.Mode, r.Metrics.TotalMs, r.Metrics.STTMs,
		r.Metrics.LLMFirstTokenMs, r.Metrics.TTSFirstByteMs, r.Metrics.ResponseMs,
		interrupt, r.CreatedAt.UTC(),
	)
	return err
}

// GetSession returns a single session with its turns.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, []Turn, error) {
	var sess Session
	var cfg, status string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, mode, config, system_prompt, user_role, ai_role, status, started_at, ended_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Mode, &cfg, &sess.SystemPrompt,
		&sess.UserRole, &sess.AIRole, &status, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, nil, err
	}
	sess.Status = SessionStatus(status)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if err = json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return nil, nil, fmt.Errorf("decode session config: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_number, transcript, response, interrupted, started_at, ended_at
		 FROM turns WHERE session_id = $1 ORDER BY turn_number ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var turnEnded sql.NullTime
		if err = rows.Scan(&t.ID, &t.SessionID, &t.Number, &t.Transcript, &t.Response, &t.Interrupted, &t.StartedAt, &turnEnded); err != nil {
			return nil, nil, err
		}
		if turnEnded.Valid {
			t.EndedAt = &turnEnded.Time
		}
		turns = append(turns, t)
	}
	return &sess, turns, rows.Err()
}

// GetLatency returns the stored metrics for a turn.
func (s *SQLStore) GetLatency(ctx context.Context, turnID string) (*LatencyRecord, error) {
	var r LatencyRecord
	var interrupt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT turn_id, session_id, mode, total_ms, stt_ms, llm_ttft_ms, tts_ttfb_ms, response_ms, interrupt_ms, created_at
		 FROM latency_metrics WHERE turn_id = $1`, turnID,
	).Scan(&r.TurnID, &r.SessionID, &r.Metrics.Mode, &r.Metrics.TotalMs, &r.Metrics.STTMs,
		&r.Metrics.LLMFirstTokenMs, &r.Metrics.TTSFirstByteMs, &r.Metrics.ResponseMs, &interrupt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if interrupt.Valid {
		v := interrupt.Int64
		r.Metrics.InterruptMs = &v
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
