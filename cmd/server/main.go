package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arcadehub/battle-backend/internal/config"
	"github.com/arcadehub/battle-backend/internal/directory"
	"github.com/arcadehub/battle-backend/internal/history"
	"github.com/arcadehub/battle-backend/internal/httpapi"
	"github.com/arcadehub/battle-backend/internal/room"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var recorder history.Recorder = history.Noop{}
	if cfg.DatabaseURL != "" {
		store, err := history.Open(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("failed to open history store", zap.Error(err))
		}
		recorder = store
		logger.Info("match history persistence enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := directory.New(ctx, directory.Options{
		Room:      roomOptions(cfg),
		TicketTTL: cfg.TicketTTL,
	}, logger, recorder)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(d, logger),
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server exited", zap.Error(err))
		}
	}()

	// Directory and rooms shut down through the cancelled context; the
	// listener drains in-flight requests on its own deadline.
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func roomOptions(cfg config.Config) room.Options {
	return room.Options{
		CountdownFrom:     cfg.CountdownFrom,
		CountdownInterval: cfg.CountdownInterval,
		WaitingTTL:        cfg.WaitingTTL,
	}
}
