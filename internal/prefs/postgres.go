package prefs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists preferences in PostgreSQL as key/value rows.
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
		`CREATE TABLE IF NOT EXISTS client_prefs (
			client_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (client_id, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) (Prefs, error) {
	clientID, err := validClientID(clientID)
	if err != nil {
		return Prefs{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM client_prefs WHERE client_id=$1`, clientID)
	if err != nil {
		return Prefs{}, fmt.Errorf("query prefs: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Prefs{}, fmt.Errorf("scan prefs row: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return Prefs{}, fmt.Errorf("iterate prefs rows: %w", err)
	}
	return fromValues(clientID, values), nil
}

func (s *PostgresStore) SaveVoice(ctx context.Context, clientID string, voice VoiceSelection) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	for k, v := range voiceValues(voice) {
		if err := s.upsert(ctx, clientID, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) MarkGreetingShown(ctx context.Context, clientID string) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	return s.upsert(ctx, clientID, KeyFirstLoginShown, "true")
}

func (s *PostgresStore) upsert(ctx context.Context, clientID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO client_prefs (client_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (client_id, key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`,
		clientID,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("save pref %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
