package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// 同一文档同一 revision 只留一行
const createRevisionTable = `CREATE TABLE IF NOT EXISTS document_revisions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	document_id VARCHAR(64) NOT NULL,
	revision BIGINT UNSIGNED NOT NULL,
	content LONGTEXT NOT NULL,
	vector TEXT NOT NULL,
	saved_at DATETIME(3) NOT NULL,
	UNIQUE KEY uk_doc_rev (document_id, revision)
)`

const insertRevision = `INSERT INTO document_revisions (document_id, revision, content, vector, saved_at)
VALUES (?, ?, ?, ?, ?)`

// RevisionArchive keeps the readable text of every saved revision together
// with the state vector it was taken at. Reading it back never feeds a
// replica; the RecordStore stays the source of truth.
type RevisionArchive struct{ db *sql.DB }

func NewRevisionArchive(db *sql.DB) *RevisionArchive {
	return &RevisionArchive{db: db}
}

func (a *RevisionArchive) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, createRevisionTable); err != nil {
		return fmt.Errorf("store: create document_revisions: %w", err)
	}
	return nil
}

// Archive records rec. A revision that is already archived is not an error:
// a forced save and a periodic flush may both hand in the same one.
func (a *RevisionArchive) Archive(ctx context.Context, rec Record) error {
	args, err := revisionArgs(rec)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, insertRevision, args...)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: archive %s@%d: %w", rec.DocumentID, rec.Revision, err)
	}
	return nil
}

func revisionArgs(rec Record) ([]any, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	vec, err := marshalVector(rec.Vector)
	if err != nil {
		return nil, err
	}
	return []any{rec.DocumentID, rec.Revision, rec.Content, vec, rec.SavedAt.UTC()}, nil
}
