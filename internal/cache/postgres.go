package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS analysis_cache (
		cache_key     TEXT PRIMARY KEY,
		record_count  INTEGER NOT NULL,
		filter_active BOOLEAN NOT NULL,
		file_identity TEXT NOT NULL DEFAULT '',
		analysis_id   TEXT NOT NULL,
		payload       JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore persists entries in the analysis_cache table
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the database and ensures the table exists
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create analysis_cache table: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Load returns the entry stored for key
func (s *PostgresStore) Load(ctx context.Context, key Key) (*Entry, bool, error) {
	query := `
		SELECT analysis_id, payload, created_at
		FROM analysis_cache
		WHERE cache_key = $1
	`

	var entry Entry
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key.String()).Scan(&entry.AnalysisID, &payload, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query cache entry: %w", err)
	}

	var body struct {
		Threats json.RawMessage `json:"threats"`
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache payload: %w", err)
	}
	if err := json.Unmarshal(body.Threats, &entry.Threats); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached threats: %w", err)
	}
	if err := json.Unmarshal(body.Metrics, &entry.Metrics); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached metrics: %w", err)
	}
	entry.Key = key
	return &entry, true, nil
}

// Save upserts the entry for key
func (s *PostgresStore) Save(ctx context.Context, key Key, entry *Entry) error {
	payload, err := json.Marshal(struct {
		Threats interface{} `json:"threats"`
		Metrics interface{} `json:"metrics"`
	}{entry.Threats, entry.Metrics})
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	query := `
		INSERT INTO analysis_cache (cache_key, record_count, filter_active, file_identity, analysis_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cache_key) DO UPDATE SET
			analysis_id = EXCLUDED.analysis_id,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		key.String(), key.RecordCount, key.FilterActive, key.FileIdentity,
		entry.AnalysisID, string(payload), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	s.logger.Debug("Cache entry saved", "key", key.String(), "threats", len(entry.Threats))
	return nil
}

// Delete removes the entry for key
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE cache_key = $1`, key.String()); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
