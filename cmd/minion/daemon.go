package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/minion-dev/minion/internal/agent"
	"github.com/minion-dev/minion/internal/audit"
	"github.com/minion-dev/minion/internal/config"
	"github.com/minion-dev/minion/internal/controlplane"
	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/guard"
	"github.com/minion-dev/minion/internal/llm"
	"github.com/minion-dev/minion/internal/queue"
	"github.com/minion-dev/minion/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Minion daemon",
	Long:  `Starts the Minion daemon: the worker pool, the HTTP API, and the self-update governance loop.`,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Minion daemon...")

	path := cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	backend, err := buildBackend(cfg, s)
	if err != nil {
		return err
	}
	q := queue.New(backend, queue.Options{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff.Std(),
	})

	engine := guard.New(guard.Config{
		WorkspaceRoot:     cfg.WorkspaceRoot,
		MaxContentBytes:   cfg.Guard.MaxContentBytes,
		AllowedExtensions: cfg.Guard.AllowedExtensions,
		AllowedCommands:   cfg.Guard.AllowedCommands,
	})

	fs := afero.NewOsFs()
	recorder := audit.NewRecorder(s)
	gov := govern.New(fs, s, recorder, cfg.AgentRoot, cfg.ProtectedFiles)

	client := llm.NewHTTPClient(cfg.LLMEndpoint, os.Getenv(cfg.APIKeyEnv), cfg.Model, cfg.LLMTimeout.Std())

	orch := agent.New(q, engine, gov, client, recorder, fs, agent.Config{
		Workers:         cfg.Workers,
		Lease:           cfg.Lease.Std(),
		PollInterval:    cfg.PollInterval.Std(),
		LLMTimeout:      cfg.LLMTimeout.Std(),
		Model:           cfg.Model,
		WorkspaceRoot:   cfg.WorkspaceRoot,
		AgentRoot:       cfg.AgentRoot,
		BackupRetention: cfg.BackupRetention.Std(),
	})

	service := controlplane.NewService(q, gov, recorder)
	server := controlplane.NewServer(service, cfg.ListenAddr)

	orch.Start()
	defer orch.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Minion daemon stopped")
	return nil
}

// buildBackend selects the queue backend from configuration. Both
// implementations satisfy the same claim/ack/fail contract, so nothing
// above this point knows which one runs.
func buildBackend(cfg *config.Config, s *store.Store) (queue.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return queue.NewSQLiteBackend(s), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return queue.NewRedisBackend(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
