package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/frahmantamala/identity-mesh/internal/core/events"
	"github.com/frahmantamala/identity-mesh/internal/identity"
	identitypg "github.com/frahmantamala/identity-mesh/internal/identity/postgres"
	"github.com/frahmantamala/identity-mesh/internal/verification"
	"github.com/frahmantamala/identity-mesh/pkg/logger"
)

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Start a standalone token-verification responder",
	Long:  `Run only the authority side of the verification bridge, answering verify-token requests on the configured subject over HTTP`,
	Run: func(cmd *cobra.Command, args []string) {
		startVerifier()
	},
}

func startVerifier() {
	cfg, err := loadConfig(".")
	if err != nil {
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	log := logger.LoggerWrapper()

	db, err := initDB(cfg.Database)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		log.Error("failed to open gorm over the pgx pool", "error", err)
		os.Exit(1)
	}

	bus := events.NewEventBus(log)
	repo := identitypg.NewRepository(gormDB)
	codec := identity.NewCodec(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	svc := identity.NewService(repo, codec, bus, log, cfg.Security.BCryptCost, cfg.Security.ResetTokenTTL)

	broker := verification.NewInProcBroker()
	responder := verification.NewResponder(svc, log)
	if err := responder.Start(broker, cfg.Verification.Subject); err != nil {
		log.Error("failed to start verification responder", "error", err)
		os.Exit(1)
	}

	// The broker lives in this process; the HTTP handler is how requesters
	// reach it from theirs.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           verification.NewHTTPHandler(broker),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("verifier listening", "address", addr, "subject", cfg.Verification.Subject)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down verifier", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("verifier shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			log.Error("verifier failed to start", "error", err)
			os.Exit(1)
		}
	}

	log.Info("verifier stopped")
}
