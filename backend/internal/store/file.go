package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

const tempFilePrefix = "collab-tmp-"

// FileStore writes one JSON file per document under dir. Every write goes
// through a temp file and a rename so a crash never leaves a torn record.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(docID string) string {
	return filepath.Join(s.dir, url.PathEscape(docID)+".json")
}

func (s *FileStore) Load(ctx context.Context, docID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b, err := os.ReadFile(s.path(docID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: read %s: %w", docID, err)
	}
	return unmarshalRecord(b)
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	b, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.DocumentID, err)
	}
	return writeFileAtomic(s.path(rec.DocumentID), b, 0o644)
}

func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("store: rename to %s: %w", filename, err)
	}
	return nil
}
