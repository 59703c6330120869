package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"opsgate/internal/authz/feed"
	authzhandler "opsgate/internal/authz/handler"
	"opsgate/internal/authz/runtime"
	authzservice "opsgate/internal/authz/service"
	authzstore "opsgate/internal/authz/store"
	httpapi "opsgate/internal/http"
	"opsgate/internal/platform/config"
	"opsgate/internal/platform/httpserver"
	"opsgate/internal/platform/logger"
	"opsgate/internal/platform/metrics"
	platformredis "opsgate/internal/platform/redis"
	"opsgate/internal/session"
	sessionhandler "opsgate/internal/session/handler"
	audit "opsgate/pkg/platform/audit"
	"opsgate/pkg/platform/audit/publisher"
	auditkafka "opsgate/pkg/platform/audit/store/kafka"
	auditmemory "opsgate/pkg/platform/audit/store/memory"
	auditpostgres "opsgate/pkg/platform/audit/store/postgres"
)

// main wires storage, the audit pipeline, the session service, and the
// per-session authorization runtimes behind one HTTP server. Business logic
// lives in the internal packages; this file only composes them.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := session.Schema(ctx, db); err != nil {
			return err
		}
		if err := authzstore.Schema(ctx, db); err != nil {
			return err
		}
		log.Info("postgres connected")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("redis connected")
	}

	// Storage falls back to in-memory when no backend is configured, which
	// keeps local development dependency-free.
	var userStore session.UserStore
	var roleStore authzstore.RoleStore
	var permStore authzstore.PermissionStore
	if db != nil {
		userStore = session.NewPostgresUserStore(db)
		roleStore = authzstore.NewPostgresRoleStore(db)
		permStore = authzstore.NewPostgresPermissionStore(db)
	} else {
		userStore = session.NewInMemoryUserStore()
		roleStore = authzstore.NewInMemoryRoleStore()
		permStore = authzstore.NewInMemoryPermissionStore()
	}

	var sessionStore session.SessionStore
	var changeFeed feed.Feed
	if redisClient != nil {
		sessionStore = session.NewRedisSessionStore(redisClient, cfg.SessionTTL)
		changeFeed = feed.NewRedisFeed(redisClient, log)
	} else {
		sessionStore = session.NewInMemorySessionStore()
		changeFeed = feed.NewInMemoryFeed()
	}

	// Audit queries are answered by the local store; Kafka, when configured,
	// receives a copy of every event for downstream consumers.
	var auditStore audit.Store
	if db != nil {
		auditStore = auditpostgres.New(db)
		if err := auditpostgres.Schema(ctx, db); err != nil {
			return err
		}
	} else {
		auditStore = auditmemory.NewInMemoryStore()
	}
	var kafkaStore *auditkafka.Store
	if len(cfg.Kafka.Seeds) > 0 {
		kafkaStore, err = auditkafka.New(ctx, cfg.Kafka.Seeds, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer kafkaStore.Close()
		auditStore = audit.NewFanout(auditStore,
			audit.NewGuardedStore(kafkaStore, "kafka-audit", log))
		log.Info("kafka audit sink connected", "topic", cfg.Kafka.Topic)
	}
	auditPub := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(log),
	)
	defer auditPub.Close()

	broker := session.NewEventBroker()
	tokens := session.NewTokenManager(cfg.JWTSigningKey)
	sessions := session.NewService(session.Deps{
		Users:      userStore,
		Sessions:   sessionStore,
		Tokens:     tokens,
		Limiter:    session.NewLoginLimiter(cfg.LoginMaxAttempts, cfg.LoginAttemptWindow),
		Events:     broker,
		Audit:      auditPub,
		Logger:     log,
		Metrics:    m,
		SessionTTL: cfg.SessionTTL,
	})
	authz := authzservice.NewService(authzservice.Deps{
		Roles:       roleStore,
		Permissions: permStore,
		Feed:        changeFeed,
		Audit:       auditPub,
		Logger:      log,
	})
	runtimes := runtime.NewManager(runtime.Deps{
		Sessions:     sessions,
		Broker:       broker,
		Roles:        roleStore,
		Permissions:  permStore,
		Feed:         changeFeed,
		Logger:       log,
		Metrics:      m,
		CheckTimeout: cfg.SessionCheckTimeout,
	})
	defer runtimes.Close()

	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:       sessions,
		Tokens:         tokens,
		SessionHandler: sessionhandler.New(sessions, runtimes, log),
		AuthzHandler:   authzhandler.New(authz, runtimes, log),
		Logger:         log,
	})

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
