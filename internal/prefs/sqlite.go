package prefs

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
)

// SQLiteStore keeps preferences in an embedded database file.
type SQLiteStore struct {
	db *sqlx.DB
}

type prefRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// NewSQLiteStore opens path; ":memory:" gives a private in-process database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	var version string
	if err := db.GetContext(ctx, &version, "select sqlite_version()"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS client_prefs (
		client_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (client_id, key)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientID string) (Prefs, error) {
	clientID, err := validClientID(clientID)
	if err != nil {
		return Prefs{}, err
	}
	var rows []prefRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM client_prefs WHERE client_id = ?`, clientID); err != nil {
		return Prefs{}, fmt.Errorf("query prefs: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	return fromValues(clientID, values), nil
}

func (s *SQLiteStore) SaveVoice(ctx context.Context, clientID string, voice VoiceSelection) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	values := voiceValues(voice)
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prefs tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range values {
		if err := upsertSQLite(ctx, tx, clientID, k, v); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prefs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkGreetingShown(ctx context.Context, clientID string) error {
	clientID, err := validClientID(clientID)
	if err != nil {
		return err
	}
	return upsertSQLite(ctx, s.db, clientID, KeyFirstLoginShown, "true")
}

func upsertSQLite(ctx context.Context, ex sqlx.ExecerContext, clientID, key, value string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO client_prefs (client_id, key, value, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (client_id, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		clientID, key, value,
	)
	if err != nil {
		return fmt.Errorf("save pref %s: %w", strings.TrimSpace(key), err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
