package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a pooled database/sql handle on the pgx driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS document_states (
	doc_id    TEXT PRIMARY KEY,
	state     BYTEA NOT NULL,
	content   TEXT NOT NULL,
	revision  BIGINT NOT NULL DEFAULT 0,
	vector    JSONB NOT NULL DEFAULT '{}'::jsonb,
	saved_at  TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db *sql.DB
}

var _ RecordStore = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, docID string) (Record, error) {
	var (
		rec Record
		vec string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, state, content, revision, vector::text, saved_at
		FROM document_states WHERE doc_id = $1`,
		docID,
	).Scan(&rec.DocumentID, &rec.State, &rec.Content, &rec.Revision, &vec, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: %w", docID, err)
	}
	if rec.Vector, err = unmarshalVector(vec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	vec, err := marshalVector(rec.Vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_states (doc_id, state, content, revision, vector, saved_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (doc_id) DO UPDATE SET
			state = EXCLUDED.state,
			content = EXCLUDED.content,
			revision = EXCLUDED.revision,
			vector = EXCLUDED.vector,
			saved_at = EXCLUDED.saved_at`,
		rec.DocumentID,
		rec.State,
		rec.Content,
		int64(rec.Revision),
		vec,
		rec.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", rec.DocumentID, err)
	}
	return nil
}
