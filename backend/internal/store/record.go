package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("persisted record not found")

// Record is the durable form of one document: the encoded replica snapshot
// plus its human-readable content.
type Record struct {
	DocumentID string            `json:"documentId"`
	State      []byte            `json:"state"`
	Content    string            `json:"content"`
	Revision   uint64            `json:"revision"`
	Vector     map[string]uint64 `json:"vector"`
	SavedAt    time.Time         `json:"savedAt"`
}

// RecordStore keeps one Record per document. Save replaces the previous
// record; Load returns ErrNotFound for an unknown document.
type RecordStore interface {
	Load(ctx context.Context, docID string) (Record, error)
	Save(ctx context.Context, rec Record) error
}

func (r Record) validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("store: record without document id")
	}
	return nil
}

func marshalRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("store: decode record: %w", err)
	}
	return r, nil
}

func marshalVector(v map[string]uint64) (string, error) {
	if v == nil {
		v = map[string]uint64{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalVector(s string) (map[string]uint64, error) {
	v := map[string]uint64{}
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("store: decode vector: %w", err)
	}
	return v, nil
}
