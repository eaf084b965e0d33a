package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fentz26/devcast/internal/audit"
	"github.com/fentz26/devcast/internal/auth"
	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/config"
	"github.com/fentz26/devcast/internal/connectors/localexec"
	"github.com/fentz26/devcast/internal/controlplane"
	"github.com/fentz26/devcast/internal/executor"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/generate"
	"github.com/fentz26/devcast/internal/ledger"
	"github.com/fentz26/devcast/internal/orchestrator"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/fentz26/devcast/internal/store"
	"github.com/fentz26/devcast/internal/update"
	"github.com/fentz26/devcast/internal/watcher"
	"github.com/spf13/cobra"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the devcast daemon",
	Long:  `Starts the devcast daemon: event watchers, the batch queue, the credit ledger and the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides api.addr)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.API.Addr = listenAddr
	}

	log.Println("Starting devcast daemon...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit records always live in the local database.
	s, err := store.New(cfg.DBPath())
	if err != nil {
		return err
	}

	var backend ledger.Backend = s
	if cfg.Ledger.PostgresURL != "" {
		pg, err := store.NewPostgresLedger(ctx, cfg.Ledger.PostgresURL)
		if err != nil {
			s.Close()
			return fmt.Errorf("connect postgres ledger: %w", err)
		}
		defer pg.Close()
		backend = pg
		log.Println("Using shared Postgres ledger")
	}

	var notifier ledger.Notifier
	if rdb := ledger.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); rdb != nil {
		defer rdb.Close()
		rn := ledger.NewRedisNotifier(rdb)
		go rn.Listen(ctx, cfg.UserID)
		notifier = rn
		log.Printf("Balance updates shared via redis at %s", cfg.Redis.Addr)
	}

	l := ledger.New(backend, notifier, cfg.Ledger.WelcomeBonus)
	if acct, err := l.EnsureAccount(ctx, cfg.UserID); err != nil {
		log.Printf("Warning: failed to open credit account: %v", err)
	} else {
		log.Printf("Credit account %s: balance %d", acct.UserID, acct.Balance)
	}

	rec := audit.NewRecorder(s)
	g := gate.New(l, cfg.UserID, rec)

	q := batch.New(newGenerator(cfg), cfg.Batch)

	tokens, err := auth.NewManager(cfg.DataDir, cfg.OAuthClients())
	if err != nil {
		s.Close()
		return err
	}
	go func() {
		if err := tokens.Watch(ctx); err != nil {
			log.Printf("Warning: token file watcher disabled: %v", err)
		}
	}()

	registry := platforms.NewRegistry(cfg.Platforms, nil)
	exec := executor.New(g, tokens, registry, rec)
	orch := orchestrator.New(q, g, exec, orchestratorConfig(cfg))

	var sources sync.WaitGroup
	startSources(ctx, cfg, orch, &sources)

	service := controlplane.NewService(controlplane.Deps{
		Orchestrator: orch,
		Executor:     exec,
		Ledger:       l,
		Gate:         g,
		Queue:        q,
		DB:           s,
		Audit:        s,
		Recorder:     rec,
	})
	server := controlplane.NewServer(service, controlplane.Options{
		Addr:        cfg.API.Addr,
		CORSOrigins: cfg.API.CORSOrigins,
		Version:     update.Version,
	})

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			cancel()
			q.Close()
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping event sources...")
	cancel()
	sources.Wait()

	log.Println("Closing batch queue...")
	q.Close()
	orch.Wait()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func newGenerator(cfg *config.Config) generate.Generator {
	switch {
	case cfg.Generation.APIKey == "":
		log.Println("No generation API key configured, drafts will be placeholders")
	case cfg.ChargesForGeneration():
		log.Println("Using hosted generation, each draft costs 1 credit")
	}
	return generate.New(cfg.Generation.APIKey, cfg.Generation.BaseURL, cfg.Generation.Model)
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Platform: cfg.TargetPlatform(),
		Tone:     cfg.Generation.Tone,
		OwnKey:   !cfg.ChargesForGeneration(),
	}
}

// startSources runs the configured file watcher and git poller until ctx is
// cancelled.
func startSources(ctx context.Context, cfg *config.Config, sink watcher.Sink, wg *sync.WaitGroup) {
	if len(cfg.Watcher.Paths) > 0 {
		fw, err := watcher.NewFileWatcher(watcher.FileConfig{
			Paths:      cfg.Watcher.Paths,
			Extensions: cfg.Watcher.Extensions,
			Debounce:   cfg.Watcher.Debounce,
		}, sink)
		if err != nil {
			log.Printf("Warning: file watcher disabled: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fw.Run(ctx); err != nil {
					log.Printf("File watcher stopped: %v", err)
				}
			}()
			log.Printf("Watching %d path(s) for saves", len(cfg.Watcher.Paths))
		}
	}

	if cfg.Watcher.GitRepo != "" {
		gp := watcher.NewGitPoller(localexec.New(cfg.Watcher.GitRepo), sink, cfg.Watcher.GitPollEvery)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gp.Run(ctx); err != nil {
				log.Printf("Git poller stopped: %v", err)
			}
		}()
		log.Printf("Polling %s for commits every %v", cfg.Watcher.GitRepo, cfg.Watcher.GitPollEvery)
	}
}
