package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dojoworks/workspaced/pkg/api"
	"github.com/dojoworks/workspaced/pkg/builder"
	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/config"
	"github.com/dojoworks/workspaced/pkg/feed"
	"github.com/dojoworks/workspaced/pkg/handoff"
	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/locker"
	"github.com/dojoworks/workspaced/pkg/log"
	"github.com/dojoworks/workspaced/pkg/material"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/provision"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workspaced",
	Short:   "Workspaced - challenge workspace provisioning service",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"workspaced version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	redisCache, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	store := jobstore.NewStore(redisCache, cfg.JobPrefix, cfg.JobTTL)
	locks := locker.New(redisCache, cfg.LockLease)

	// Platform wiring. The in-memory directory and header authenticator
	// stand in until the platform sidecar speaks the directory API.
	directory := platform.NewMemoryDirectory()
	engines := &platform.StaticEngineResolver{Host: os.Getenv("DOCKER_HOST")}
	auth := &platform.HeaderAuthenticator{Header: "X-User-Id", Users: directory}

	pipeline := &provision.Pipeline{
		Cache:   redisCache,
		Engines: engines,
		Builder: &builder.Builder{
			HostDataPath:        cfg.HostDataPath,
			SeccompProfile:      cfg.Seccomp,
			UserFirewallAllowed: cfg.UserFirewallAllowed,
			InternetForAll:      cfg.InternetForAll,
		},
		Installer: &material.Installer{SecretKey: cfg.SecretKey},
		Signer: &handoff.Signer{
			Secret:    cfg.WorkspaceSecret,
			Forwarder: &handoff.PathForwarder{Host: cfg.WorkspaceHost},
		},
		FlagSecret: cfg.SecretKey,
	}

	orchestrator := &provision.Orchestrator{
		Store:          store,
		Users:          directory,
		Challenges:     directory,
		Launcher:       pipeline,
		Feed:           feed.NewPublisher(redisCache.Client(), feed.DefaultChannel),
		Attempts:       cfg.Attempts,
		Backoff:        cfg.RetryBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}

	server := &api.Server{
		Store:         store,
		Cache:         redisCache,
		Locker:        locks,
		Auth:          auth,
		Users:         directory,
		Challenges:    directory,
		Engines:       engines,
		Orchestrator:  orchestrator,
		WorkspaceHost: cfg.WorkspaceHost,
	}

	httpServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", cfg.APIAddr).Msg("job API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("API server error: %v", err)
	case sig := <-sigCh:
		log.WithComponent("api").Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
