package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/directory"
	"collabSync/backend/internal/httpapi"
	"collabSync/backend/internal/persist"
	"collabSync/backend/internal/relay"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and its HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("init config failed: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newRedis(cfg *config.Config) redis.UniversalClient {
	if len(cfg.Redis.Addrs) == 0 {
		return nil
	}
	// 单地址是单机，多地址是集群
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	glog.Infof("config: port=%d storage=%s node=%q", cfg.Running.Port, cfg.Storage.Backend, cfg.Running.NodeID)

	rdb := newRedis(cfg)
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	st, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	var archive persist.Archiver
	if cfg.Storage.Archive && cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("open mysql archive: %w", err)
		}
		defer db.Close()
		ra := store.NewRevisionArchive(db)
		if err := ra.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate mysql archive: %w", err)
		}
		archive = ra
	}

	var hub *relay.Hub
	pm := persist.NewManager(st, persist.Options{
		Debounce:      cfg.Debounce(),
		MaxWait:       cfg.MaxWait(),
		FlushInterval: cfg.FlushInterval(),
		MaxRetry:      cfg.Persistence.MaxRetry,
		BaseBackoff:   cfg.BaseBackoff(),
		MaxBackoff:    cfg.MaxBackoff(),
		Archive:       archive,
		// 配了 Redis 就是多节点部署，节点之间共用存储
		MergeStored:   rdb != nil,
		OnSaved:       func(docID string, rec store.Record) { hub.NotifySaved(docID, rec) },
		OnWarning:     func(docID string, err error) { hub.NotifyWarning(docID, err) },
	})
	pm.Start(ctx)

	relayOpt := relay.Options{
		NodeID:         cfg.Running.NodeID,
		OutboundBuffer: cfg.Relay.OutboundBuffer,
		LogCapacity:    cfg.Relay.LogCapacity,

		AntiEntropyInterval: cfg.AntiEntropyInterval(),
	}

	// === Kafka：本地队列 + worker 重试发送 ===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
		relayOpt.Events = dispatcher
	}

	var sessions *cache.SessionIndex
	var bus *relay.RedisBus
	if rdb != nil {
		if relayOpt.NodeID == "" {
			relayOpt.NodeID = "node-" + ulid.Make().String()
		}
		bus = relay.NewRedisBus(rdb, relayOpt.NodeID, 0)
		sessions = cache.NewSessionIndex(rdb, relayOpt.NodeID, cache.DefaultSessionTTL)
		relayOpt.Bus = bus
		relayOpt.Sessions = sessions
	}
	hub = relay.NewHub(pm, relayOpt)

	deps := httpapi.Deps{
		Hub:        hub,
		WS:         ws.NewManager(hub, collab.NewSemaphoreControl(256), relayOpt.Sessions).WithContext(ctx),
		Authorizer: newAuthorizer(cfg),
		EnableCORS: cfg.Cors.Enabled,
		AccessLog:  true,
	}
	if sessions != nil {
		deps.Sessions = sessions
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(deps),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("collab relay %s listening on %s", hub.NodeID(), srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// 先关房间（最后一次落盘），再停持久化
		if err := hub.Close(shutdownCtx); err != nil {
			glog.Errorf("close hub: %v", err)
		}
		if err := pm.Close(shutdownCtx); err != nil {
			glog.Errorf("close persistence: %v", err)
		}
		if bus != nil {
			_ = bus.Close()
		}
		if dispatcher != nil {
			dispatcher.Close()
		}
		return nil
	})
	return g.Wait()
}

func newAuthorizer(cfg *config.Config) directory.Authorizer {
	switch {
	case cfg.Auth.TicketSecret != "":
		return directory.NewTicketAuthorizer(cfg.Auth.TicketSecret)
	case cfg.Auth.Path != "":
		return directory.NewHTTPAuthorizer(cfg.Auth.Path, 0)
	default:
		glog.Warning("no Auth configured, every join is allowed")
		return directory.AllowAll{}
	}
}
