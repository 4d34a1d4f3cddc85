package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// DocumentState 是 document_states 表的一行，每个文档一行
type DocumentState struct {
	DocID     string `gorm:"primaryKey;type:varchar(64)"`
	State     []byte `gorm:"type:longblob"`
	Content   string `gorm:"type:longtext"`
	Revision  uint64 `gorm:"default:0"`
	Vector    string `gorm:"type:text"`
	SavedAt   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GormStore struct {
	db *gorm.DB
}

var _ RecordStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the document_states table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&DocumentState{})
}

func (s *GormStore) Load(ctx context.Context, docID string) (Record, error) {
	var row DocumentState
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("store: load %s: %w", docID, err)
	}
	vec, err := unmarshalVector(row.Vector)
	if err != nil {
		return Record{}, err
	}
	return Record{
		DocumentID: row.DocID,
		State:      row.State,
		Content:    row.Content,
		Revision:   row.Revision,
		Vector:     vec,
		SavedAt:    row.SavedAt,
	}, nil
}

func (s *GormStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	vec, err := marshalVector(rec.Vector)
	if err != nil {
		return err
	}
	row := DocumentState{
		DocID:    rec.DocumentID,
		State:    rec.State,
		Content:  rec.Content,
		Revision: rec.Revision,
		Vector:   vec,
		SavedAt:  rec.SavedAt,
	}
	// 主键冲突时整行覆盖
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "content", "revision", "vector", "saved_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save %s: %w", rec.DocumentID, err)
	}
	return nil
}
