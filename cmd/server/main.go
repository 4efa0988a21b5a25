// Package main is the entry point for the txcore ledger server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"txcore/internal/core/tx"
	"txcore/internal/domain/ledger"
	"txcore/internal/infrastructure/txaudit"
	"txcore/internal/infrastructure/txhttp"
	"txcore/internal/infrastructure/txpostgres"
	"txcore/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting txcore server")

	// --- Database connection ---
	dsn := mustEnv("DATABASE_URL")
	pool, err := txpostgres.NewPool(ctx, txpostgres.DefaultPoolConfig(dsn))
	if err != nil {
		log.Fatalw("failed to create connection pool", "error", err)
	}
	defer pool.Close()
	log.Info("database connection pool established")

	// --- Resource manager and coordinator ---
	mgr := txpostgres.NewManager(pool)
	coord := tx.NewCoordinator(
		mgr.AsResourceManager(),
		tx.DefaultOptions().
			WithGlobalRollbackOnParticipationFailure(true).
			WithRollbackOnCommitFailure(true),
	)

	auditSync, err := txaudit.NewSync(mgr)
	if err != nil {
		log.Fatalw("failed to initialize audit synchronization", "error", err)
	}

	// --- Ledger domain ---
	ledgerRepo := ledger.NewRepo(mgr)
	ledgerService := ledger.NewService(coord, ledgerRepo, auditSync)

	// --- Router ---
	// Transfer's own VALIDATION_ERROR failures (bad request body, malformed
	// IDs/amounts, insufficient funds) are all raised before doTransfer makes
	// any write, so the rule below skips the forced rollback for that code
	// and lets Commit run instead. For a request the handler rejects itself,
	// that Commit finds an untouched transaction. For insufficient funds,
	// ledger.Service.Transfer has already rolled back its participating
	// scope, which with GlobalRollbackOnParticipationFailure marks the
	// transaction rollback-only: Commit then rolls back and reports
	// UnexpectedRollback (rendered as TRANSACTION_ROLLED_BACK).
	skipRollbackOnValidation := tx.MustCompileRule(`code != "VALIDATION_ERROR"`).Predicate()
	transferDef := tx.NewDefinition(tx.Required).WithName("http.transfers").WithRollbackRules(skipRollbackOnValidation)
	router := newRouter(log, coord, ledgerService, transferDef)

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				txpostgres.LogPoolStats(ctx, pool.Unwrap())
			case <-statsDone:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	close(statsDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	txpostgres.LogPoolStats(ctx, pool.Unwrap())
	log.Info("server stopped")
}

func newRouter(log *logger.Logger, coord *tx.Coordinator, ledgerService *ledger.Service, transferDef tx.Definition) *gin.Engine {
	router := gin.New()
	router.Use(txhttp.Recovery(), txhttp.Trace(), txhttp.RequestLogger(), txhttp.ErrorHandler())

	api := router.Group("/api/v1")
	api.Use(txhttp.UserContext())

	handlers := newLedgerHandlers(ledgerService)

	transfers := api.Group("/transfers")
	transfers.Use(txhttp.Transactional(coord, transferDef))
	transfers.POST("", handlers.createTransfer)

	accounts := api.Group("/accounts")
	accounts.Use(txhttp.Transactional(coord, tx.NewDefinition(tx.Supports).WithReadOnly(true).WithName("http.accounts")))
	accounts.GET("/:id/balance", handlers.getBalance)

	return router
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}
