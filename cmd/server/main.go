package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soundswap/internal/catalog"
	"soundswap/internal/config"
	"soundswap/internal/db"
	"soundswap/internal/handlers"
	"soundswap/internal/logging"
	"soundswap/internal/payments"
	"soundswap/internal/services"
	"soundswap/internal/store"
	"soundswap/internal/websocket"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	accounts := store.NewAccountStore(database)
	transactions := store.NewTransactionStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)
	products := catalog.Default()
	hub := websocket.NewHub()
	ledger := services.NewLedgerService(txRunner, accounts, transactions, audit, products, hub, services.Options{
		StoreTimeout: cfg.StoreTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})

	if hasAdmin, err := admin.HasAnyAdmin(context.Background()); err != nil {
		logger.Error("failed to check admins", "error", err)
	} else if !hasAdmin {
		logger.Warn("no admins configured; bootstrap one with: creditctl admin <principal> --super")
	}

	queue := payments.NewRedisQueue(redisClient, cfg.PaymentQueue)
	worker := payments.NewWorker(queue, ledger, products, payments.WorkerOptions{
		MaxAttempts: cfg.PaymentMaxAttempts,
		Logger:      logger.With("component", "payment_worker"),
	})

	handler := handlers.New(cfg, txRunner, ledger, products, queue, admin, audit, hub, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("soundswap credit API listening", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
