package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autoyou-dev/autoyou"
	iobs "github.com/autoyou-dev/autoyou/internal/observability"
	obs "github.com/autoyou-dev/autoyou/pkg/observability"
)

func newServeCmd() *cobra.Command {
	var obsPort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core with background housekeeping and an observability endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(obsPort)
		},
	}

	cmd.Flags().IntVar(&obsPort, "obs-port", getEnvInt("AUTOYOU_OBS_PORT", 8090), "Observability server port (health + metrics)")
	return cmd
}

func runServe(obsPort int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := iobs.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := iobs.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: failed to shutdown tracing: %v", err)
		}
	}()

	obs.InitMetrics()
	hc := obs.InitHealthChecker()
	hc.RegisterCheck(obs.PingCheck())

	core, err := autoyou.Load(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Printf("Warning: failed to close core: %v", err)
		}
	}()

	if err := core.StartSweeper(); err != nil {
		return err
	}

	obsServer := obs.NewServer(obsPort)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Observability server listening on :%d", obsPort)
		return obsServer.Start()
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down", sig)
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: failed to shutdown observability server: %v", err)
		}
		cancel()
		return nil
	})

	log.Printf("AutoYou core started with %d registered agents", core.Registry().Len())

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
