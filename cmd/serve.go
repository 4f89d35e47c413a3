package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlashq/dispatch/internal/app"
	"github.com/atlashq/dispatch/internal/notify"
	"github.com/atlashq/dispatch/internal/server"
	"github.com/atlashq/dispatch/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination API server",
	Long: `Run the HTTP API and the notification dispatcher:
  - task availability, claim, time log and completion endpoints
  - project and agent registry endpoints
  - background delivery of queued client notifications

Examples:
  dispatch serve                  # Listen on the configured port
  dispatch serve --port 9090      # Override port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "API server port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	log := newLogger()

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	taskApp := app.NewTaskApp(st, log)

	var sender notify.Sender
	if cfg.Notify.WebhookURL != "" {
		sender = &notify.WebhookSender{URL: cfg.Notify.WebhookURL}
	} else {
		sender = &notify.LogSender{Log: log}
	}
	dispatcher := notify.NewDispatcher(st, sender, log,
		time.Duration(cfg.Notify.IntervalSeconds)*time.Second)

	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)

	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	srv := server.New(taskApp, log, port)
	srv.Start(&wg, errChan)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errChan:
		log.Error("server failed", "error", err)
	}

	stopDispatcher()
	dispatcher.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}

	wg.Wait()
	return nil
}
