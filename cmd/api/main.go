package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	api "media-pipeline/internal/api"
	"media-pipeline/internal/config"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error("connect store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	var q queue.Queue = queue.NewDisabled(log)
	if cfg.QueueEnabled() {
		client := queue.NewClient(cfg)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Error("connect redis", "addr", cfg.RedisAddr(), "err", err)
			os.Exit(1)
		}
		q = queue.NewRedisQueue(client, cfg)
	} else {
		log.Warn("REDIS_HOST not set, video jobs will not be queued")
	}
	defer q.Close()

	server := api.New(cfg, st, q, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
