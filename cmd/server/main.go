// Command server runs the dispatcher/API process: it loads the problem
// and language registry from --config, opens the durable store, queue,
// cache and object store connections, and serves the HTTP surface
// described by the external interface until /internal/exit is hit or
// the process receives SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgeservice/internal/cache"
	"judgeservice/internal/config"
	"judgeservice/internal/dispatcher"
	"judgeservice/internal/httpapi"
	"judgeservice/internal/httpapi/auth"
	"judgeservice/internal/logging"
	"judgeservice/internal/metrics"
	"judgeservice/internal/objectstore"
	"judgeservice/internal/queue"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the problem/language registry document")
	flag.Parse()

	log := logging.New("server", logging.Info)

	if err := run(*configPath, log); err != nil {
		log.Fatal(err.Error())
		os.Exit(1)
	}
}

func run(configPath string, log *logging.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg, err := registry.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading registry %s: %w", configPath, err)
	}

	st, err := store.NewPostgres(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	q, err := queue.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueueName, cfg.RabbitMQ.PrefetchCount)
	if err != nil {
		return fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	defer q.Close()
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	q.StartHeartbeat(heartbeatCtx, 30*time.Second)

	var objStore *objectstore.Store
	if cfg.MinIO.Endpoint != "" {
		objStore, err = objectstore.New(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.BucketName, cfg.MinIO.UseSSL)
		if err != nil {
			return fmt.Errorf("connecting to minio: %w", err)
		}
		if err := objStore.EnsureBucket(context.Background()); err != nil {
			log.Warn("minio bucket check failed", map[string]any{"error": err.Error()})
		}
	}

	var valkey *cache.Cache
	if cfg.Valkey.URL != "" {
		valkey = cache.New(cfg.Valkey.URL, cfg.Valkey.Password, cfg.Valkey.DB)
		defer valkey.Close()
	}

	m := metrics.New()
	disp := dispatcher.New(st, reg, q, log)

	am, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.CasbinModelPath, cfg.Auth.CasbinPolicyCSV)
	if err != nil {
		return fmt.Errorf("loading rbac policy: %w", err)
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Store:      st,
		Registry:   reg,
		Dispatcher: disp,
		Cache:      valkey,
		Metrics:    m,
		Log:        log,
		Auth:       am,
		Queue:      q,
	})

	addr := fmt.Sprintf("%s:%s", reg.Server.BindAddress, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		log.Info("shutdown signal received")
	case <-srv.ShutdownRequested():
		log.Info("shutdown requested via /internal/exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
