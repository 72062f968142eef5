package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/auth"
	"github.com/animus-labs/flowgate/internal/platform/env"
	"github.com/animus-labs/flowgate/internal/platform/httpserver"
	platformstore "github.com/animus-labs/flowgate/internal/platform/objectstore"
	"github.com/animus-labs/flowgate/internal/platform/postgres"
	"github.com/animus-labs/flowgate/internal/platform/sqlite"
	"github.com/animus-labs/flowgate/internal/platform/telemetry"
	"github.com/animus-labs/flowgate/internal/repo"
	"github.com/animus-labs/flowgate/internal/repo/memory"
	"github.com/animus-labs/flowgate/internal/repo/sqlstore"
	"github.com/animus-labs/flowgate/internal/storage/objectstore"
)

const serviceName = "flowgate"

const (
	storeMemory   = "memory"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("FLOWGATE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FLOWGATE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	cfg, err := serviceConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	store, err := openStore(ctx)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	objects, archiveCheck, err := openArchive(ctx)
	if err != nil {
		logger.Error("archive store unavailable", "error", err)
		os.Exit(1)
	}

	metricsCfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid metrics config", "error", err)
		os.Exit(2)
	}
	tel, err := telemetry.Setup(metricsCfg, os.Stdout)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(2)
	}
	tel.InstallGlobal()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("metrics flush failed", "error", err)
		}
	}()

	svc, err := newService(logger, cfg, store, objects, tel)
	if err != nil {
		logger.Error("service init failed", "error", err)
		os.Exit(2)
	}
	if err := svc.load(); err != nil {
		logger.Error("load definitions failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))

	checks := []httpserver.ReadinessCheck{{
		Name:    "store",
		Timeout: 750 * time.Millisecond,
		Check:   store.Ping,
	}}
	if archiveCheck != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "minio", Timeout: 750 * time.Millisecond, Check: archiveCheck})
	}
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))

	authenticator, err := newAuthenticator(ctx, authCfg, mux)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	handler := newHandler(logger, svc, mux, authenticator)

	runCtx, cancelRun := context.WithCancel(ctx)
	if err := svc.start(runCtx); err != nil {
		cancelRun()
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	serveErr := httpserver.Run(ctx, logger, serverCfg, handler)

	cancelRun()
	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if err := svc.close(closeCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", serveErr)
		os.Exit(1)
	}
}

// openStore selects the run store from STORE_DRIVER and applies the schema
// for SQL backends.
func openStore(ctx context.Context) (repo.Store, error) {
	driver, err := env.OneOf("STORE_DRIVER", storeSQLite, storeMemory, storeSQLite, storePostgres)
	if err != nil {
		return nil, err
	}

	var store *sqlstore.Store
	switch driver {
	case storeMemory:
		return memory.New(), nil
	case storeSQLite:
		cfg, err := sqlite.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("sqlite config: %w", err)
		}
		db, err := sqlite.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = sqlstore.New(db, sqlstore.DialectSQLite)
	case storePostgres:
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = sqlstore.New(db, sqlstore.DialectPostgres)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// openArchive returns the MinIO-backed archive when ARCHIVE_ENABLED is set.
// A nil store disables archiving; terminal runs are then never marked
// archived.
func openArchive(ctx context.Context) (objectstore.Store, func(context.Context) error, error) {
	cfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("archive config: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil, nil
	}

	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("minio client: %w", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := platformstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		return nil, nil, err
	}
	store, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, nil, err
	}
	check := func(ctx context.Context) error {
		return platformstore.CheckBucket(ctx, client, cfg)
	}
	return store, check, nil
}

// newAuthenticator builds the authenticator for AUTH_MODE and mounts the
// login routes in OIDC mode.
func newAuthenticator(ctx context.Context, cfg auth.Config, mux *http.ServeMux) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		svc, err := auth.NewOIDCService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		login, err := svc.LoginHandler()
		if err != nil {
			return nil, err
		}
		callback, err := svc.CallbackHandler()
		if err != nil {
			return nil, err
		}
		mux.HandleFunc("GET /auth/login", login)
		mux.HandleFunc("GET /auth/callback", callback)
		mux.HandleFunc("POST /auth/logout", svc.LogoutHandler())
		return svc, nil
	case auth.ModeDisabled:
		return auth.NewAnonymousAuthenticator(), nil
	default:
		return auth.NewDevAuthenticator(cfg), nil
	}
}
