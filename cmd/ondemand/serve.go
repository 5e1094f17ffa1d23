package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/ondemand/internal/api"
	"github.com/benaskins/ondemand/internal/config"
	"github.com/benaskins/ondemand/internal/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API for GUI front ends",
	Long: "Serve the launch controller over HTTP on api_addr (a host:port, or an absolute " +
		"path for a Unix socket). Config changes are picked up between launches.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("api-addr", "", "override api_addr from the config")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.APIAddr
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		addr = v
	}

	journal, err := openJournal(cfg.AuditLog)
	if err != nil {
		return err
	}
	events := api.NewBroadcaster()
	opts := []lifecycle.Option{lifecycle.WithNotifier(events)}
	if journal != nil {
		defer journal.Close()
		opts = append(opts, lifecycle.WithJournal(journal))
	}
	ctl := lifecycle.NewController(cfg.Lifecycle(), newClient(cfg), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if next.APIAddr != cfg.APIAddr {
				slog.Warn("api_addr change needs a restart", "current", addr, "configured", next.APIAddr)
			}
			ctl.Reconfigure(next.Lifecycle(), newClient(next))
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	srv := api.NewServer(ctx, ctl, events)
	errCh := make(chan error, 1)
	if isSocketPath(addr) {
		os.Remove(addr)
		if err := os.MkdirAll(filepath.Dir(addr), 0700); err != nil {
			return fmt.Errorf("creating socket dir: %w", err)
		}
		go func() { errCh <- srv.ListenUnix(addr) }()
		defer os.Remove(addr)
	} else {
		go func() { errCh <- srv.ListenTCP(addr) }()
	}

	slog.Info("ondemand serving", "addr", addr, "project", cfg.Project)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)

	if err := cleanup(ctl, false); err != nil {
		slog.Error("teardown on shutdown failed", "error", err)
		return err
	}
	slog.Info("ondemand stopped")
	return nil
}

func isSocketPath(addr string) bool {
	return strings.HasPrefix(addr, "/")
}
