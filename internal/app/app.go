// Package app boots the relay server: config, database, component wiring,
// HTTP routes, the reset scheduler, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/config"
	"github.com/ethgate/ethgate/internal/db"
	"github.com/ethgate/ethgate/internal/gate"
	adminapi "github.com/ethgate/ethgate/internal/http/api/admin"
	"github.com/ethgate/ethgate/internal/http/api/relay"
	"github.com/ethgate/ethgate/internal/issuer"
	"github.com/ethgate/ethgate/internal/limiter"
	"github.com/ethgate/ethgate/internal/ratelimit"
	"github.com/ethgate/ethgate/internal/resetter"
	"github.com/ethgate/ethgate/internal/security"
	"github.com/ethgate/ethgate/internal/store"
	"github.com/ethgate/ethgate/internal/upstream"
)

// shutdownTimeout bounds how long in-flight requests may drain on shutdown.
const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the relay server and blocks until ctx is cancelled or the
// listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	serverCfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	conn, err := db.Open(serverCfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if strings.TrimSpace(serverCfg.Admin.Username) != "" {
		if errSeed := db.EnsureAdmin(conn, serverCfg.Admin.Username, serverCfg.Admin.Password); errSeed != nil {
			return errSeed
		}
	}

	jwtCfg := serverCfg.JWT
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		// Without a configured secret, sessions do not survive restarts.
		ephemeral, errGenerate := security.GenerateAPIKey()
		if errGenerate != nil {
			return fmt.Errorf("app: generate session secret: %w", errGenerate)
		}
		jwtCfg.Secret = ephemeral
		log.Warn("app: no jwt secret configured, using an ephemeral one")
	}

	accounts := store.NewAccountStore(conn)
	iss := issuer.New(accounts)
	g := gate.New(authn.New(accounts), limiter.New(accounts), accounts)
	rateLimiter := ratelimit.NewManager(serverCfg.RateLimit, serverCfg.Redis, nil)
	client := upstream.NewClient(serverCfg.Upstream)
	reset := resetter.New(accounts)

	scheduler := resetter.NewScheduler(reset)
	if errSchedule := scheduler.Start(ctx, serverCfg.ResetSchedule); errSchedule != nil {
		return errSchedule
	}
	defer scheduler.Stop()

	engine := gin.New()
	engine.Use(gin.Recovery())
	adminapi.RegisterAdminRoutes(engine, conn, jwtCfg, iss, accounts, reset)
	relay.RegisterRelayRoutes(engine, g, rateLimiter, client)

	port := serverCfg.Port
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 {
		port = 8318
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("app: relay server listening")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("app: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			return fmt.Errorf("app: shutdown: %w", errShutdown)
		}
		return nil
	case errServe, ok := <-errCh:
		if ok && errServe != nil {
			return fmt.Errorf("app: serve: %w", errServe)
		}
		return nil
	}
}
