package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/frahmantamala/identity-mesh/internal"
	"github.com/frahmantamala/identity-mesh/internal/core/events"
	"github.com/frahmantamala/identity-mesh/internal/guard"
	"github.com/frahmantamala/identity-mesh/internal/identity"
	identitypg "github.com/frahmantamala/identity-mesh/internal/identity/postgres"
	"github.com/frahmantamala/identity-mesh/internal/transport/openapi"
	"github.com/frahmantamala/identity-mesh/internal/transport/rest"
	"github.com/frahmantamala/identity-mesh/internal/verification"
	"github.com/frahmantamala/identity-mesh/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the identity authority HTTP server",
	Long:  `Start the HTTP server serving login, signup, token verification and the reset lifecycle`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	cfg, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	log := logger.LoggerWrapper()

	db, err := initDB(cfg.Database)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		log.Error("failed to open gorm over the pgx pool", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	wireAuthority(router, cfg, db, gormDB, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", addr)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		if err := db.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	log.Info("server stopped")
}

// wireAuthority assembles the identity service, the token verifier and the
// guarded HTTP surface.
func wireAuthority(router *chi.Mux, cfg *internal.Config, db *sqlx.DB, gormDB *gorm.DB, log *slog.Logger) {
	bus := events.NewEventBus(log)
	repo := identitypg.NewRepository(gormDB)
	codec := identity.NewCodec(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	svc := identity.NewService(repo, codec, bus, log, cfg.Security.BCryptCost, cfg.Security.ResetTokenTTL)

	verifier, err := buildTokenVerifier(cfg.Verification, svc, log)
	if err != nil {
		log.Error("failed to build token verifier", "error", err)
		os.Exit(1)
	}

	federation := identity.NewFederation(cfg.Federation)
	authHandler := identity.NewHandler(svc, federation, cfg.Federation.FrontendURL)

	guardMW := guard.NewMiddleware(verifier, log)

	apiValidator, err := openapi.NewValidator("./api/openapi.yml", log)
	if err != nil {
		// The schema gate is an extra fence, not a load-bearing wall.
		log.Warn("openapi validation disabled", "error", err)
		apiValidator = nil
	}

	rest.RegisterAllRoutes(router, db.DB, authHandler, svc, guardMW, apiValidator, log)
}

// buildTokenVerifier picks where the guard sends verify-token requests. With
// a responder_url configured, tokens cross the bridge to the standalone
// verifier worker; otherwise the in-process service answers directly.
func buildTokenVerifier(cfg internal.VerificationConfig, svc identity.ServiceAPI, log *slog.Logger) (guard.TokenVerifier, error) {
	if cfg.ResponderURL == "" {
		return guard.NewLocalVerifier(svc), nil
	}
	log.Info("verifying tokens through the remote responder", "responder_url", cfg.ResponderURL, "subject", cfg.Subject)
	return verification.NewRemoteVerifier(verification.NewHTTPBroker(cfg.ResponderURL), cfg, log)
}

// initDB opens the pgx pool through sqlx and verifies connectivity.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
