package main

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabSync/backend/config"
	"collabSync/backend/internal/store"
)

// openStore 按 Storage.Backend 选择持久化实现
func openStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (store.RecordStore, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case "", "memory":
		glog.Warning("storage: memory backend, documents are lost on restart")
		return store.NewMemoryStore(), noop, nil

	case "file":
		st, err := store.NewFileStore(cfg.Storage.Dir)
		return st, noop, err

	case "mysql":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		st := store.NewGormStore(db)
		if err := st.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate mysql: %w", err)
		}
		closeFn := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		return st, closeFn, nil

	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := store.NewPostgresStore(db)
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return st, func() { _ = db.Close() }, nil

	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("storage backend redis needs Redis.addrs")
		}
		return store.NewRedisStore(rdb), noop, nil

	case "s3":
		st, err := store.NewObjectStore(ctx, store.ObjectStoreConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Secure:    cfg.S3.Secure,
		})
		return st, noop, err

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
