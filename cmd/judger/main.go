// Command judger runs a single judge worker process: it consumes job
// ids from the work queue, compiles and executes submissions, and
// exits if its parent process disappears. Each judger is launched
// out-of-band with --judger <id> --parent <pid>; there is no
// in-process pool or auto-scaler here, matching the fixed
// worker-process model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgeservice/internal/config"
	"judgeservice/internal/logging"
	"judgeservice/internal/objectstore"
	"judgeservice/internal/queue"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
	"judgeservice/internal/worker"
)

func main() {
	judgerID := flag.Int("judger", 0, "numeric id of this judger process")
	parentPID := flag.Int("parent", 0, "pid of the parent process to watch; 0 disables the check")
	configPath := flag.String("config", "config.json", "path to the problem/language registry document")
	flag.Parse()

	log := logging.New(fmt.Sprintf("judger-%d", *judgerID), logging.Info)

	if err := run(*judgerID, *parentPID, *configPath, log); err != nil {
		log.Fatal(err.Error())
		os.Exit(1)
	}
}

func run(judgerID, parentPID int, configPath string, log *logging.Logger) error {
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

	opts := []worker.Option{
		WithConfiguredWorkDir(),
		worker.WithCompileGraceTime(cfg.Judge.CompileGraceTime),
	}
	if cfg.MinIO.Endpoint != "" {
		objStore, err := objectstore.New(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.BucketName, cfg.MinIO.UseSSL)
		if err != nil {
			return fmt.Errorf("connecting to minio: %w", err)
		}
		opts = append(opts, worker.WithCaseFileResolver(worker.ObjectStoreResolver{Store: objStore}))
	}

	w := worker.New(judgerID, st, reg, q, log, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if parentPID > 0 {
		go watchParent(ctx, parentPID, cancel, log)
	}

	return w.Run(ctx)
}

// WithConfiguredWorkDir uses the OS temp directory as scratch space,
// matching the default worker.New behavior when no option overrides it.
func WithConfiguredWorkDir() worker.Option {
	return worker.WithWorkDir(os.TempDir())
}

// watchParent exits the worker if its parent process has gone away,
// since a judger launched as a child has no other liveness signal.
func watchParent(ctx context.Context, pid int, cancel context.CancelFunc, log *logging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processAlive(pid) {
				log.Warn("parent process gone, shutting down", map[string]any{"parent_pid": pid})
				cancel()
				return
			}
		}
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
