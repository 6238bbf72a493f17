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

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/config"
	"github.com/dojoworks/workspaced/pkg/jobproxy"
	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/log"
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
	Use:     "jobproxy",
	Short:   "Jobproxy - workspace job holding-page proxy",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jobproxy version %s\nCommit: %s\nBuilt: %s\n",
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

	proxy := &jobproxy.Proxy{
		Store:   jobstore.NewStore(redisCache, cfg.JobPrefix, cfg.JobTTL),
		Refresh: int(cfg.JobRefresh / time.Second),
	}

	httpServer := &http.Server{
		Addr:    cfg.ProxyAddr,
		Handler: proxy.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("jobproxy").Info().Str("addr", cfg.ProxyAddr).Msg("job proxy listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy server error: %v", err)
	case sig := <-sigCh:
		log.WithComponent("jobproxy").Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
