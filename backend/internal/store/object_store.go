package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// ObjectStore keeps each record as one JSON object in an S3 compatible bucket.
type ObjectStore struct {
	mc     *minio.Client
	bucket string
}

var _ RecordStore = (*ObjectStore)(nil)

func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("store: minio client: %w", err)
	}
	ok, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("store: bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("store: make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectStore{mc: mc, bucket: cfg.Bucket}, nil
}

func objectKey(docID string) string {
	return "documents/" + url.PathEscape(docID) + ".json"
}

func (s *ObjectStore) Load(ctx context.Context, docID string) (Record, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, objectKey(docID), minio.GetObjectOptions{})
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: %w", docID, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("store: load %s: %w", docID, err)
	}
	return unmarshalRecord(b)
}

func (s *ObjectStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	b, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.DocumentID, err)
	}
	_, err = s.mc.PutObject(ctx, s.bucket, objectKey(rec.DocumentID), bytes.NewReader(b), int64(len(b)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("store: save %s: %w", rec.DocumentID, err)
	}
	return nil
}
