package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES conversation_sessions(session_id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_seq ON conversation_turns (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) ensureSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		turn.ID,
		sessionID,
		string(turn.Role),
		turn.Content,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) LastAssistantTurn(ctx context.Context, sessionID string) (Turn, bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Turn{}, false, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, created_at
		 FROM conversation_turns WHERE session_id=$1 AND role=$2 ORDER BY seq DESC LIMIT 1`,
		sessionID,
		string(RoleAssistant),
	)
	if err != nil {
		return Turn{}, false, fmt.Errorf("query last assistant turn: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Turn{}, false, rows.Err()
	}
	var (
		t    Turn
		role string
	)
	if err := rows.Scan(&t.ID, &role, &t.Content, &t.CreatedAt); err != nil {
		return Turn{}, false, fmt.Errorf("scan last assistant turn: %w", err)
	}
	t.Role = Role(role)
	return t, true, nil
}

func (s *PostgresStore) Evict(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_sessions WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("evict session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
