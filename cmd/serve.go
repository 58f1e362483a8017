package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep every library loaded and in sync, with an HTTP status API",
	Long: `Loads every configured library in the background, follows filesystem
changes with the watcher and serves health, metrics and read-only listings
over HTTP. On SIGINT or SIGTERM pending snapshot writes are flushed before
exiting.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = cfg.ListenAddr
		}
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		reg := getRegistry()
		scanners, err := reg.All()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		if len(scanners) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no libraries configured\n")
			exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if cfg.Watcher.Enabled && !noWatch {
			if _, err := reg.StartWatcher(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
				exit(1)
			}
		}
		for _, s := range scanners {
			s.InitializeInBackground()
		}

		srv := &http.Server{
			Addr:         addr,
			Handler:      server.New(reg).Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		}

		done := make(chan struct{})
		go handleShutdown(srv, cancel, done)

		logging.Info("Server starting", logging.String("addr", addr), logging.Int("libraries", len(scanners)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
			exit(1)
		}
		<-done
		logging.Info("Server stopped")
	},
}

// handleShutdown waits for a termination signal, drains HTTP requests and
// stops the watcher. Snapshots are flushed by Cleanup when Run returns.
func handleShutdown(srv *http.Server, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logging.Info("Shutdown initiated", logging.String("signal", sig.String()))

	ctx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Server shutdown failed", logging.Err(err))
	}
	cancel()
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config listen_addr)")
	serveCmd.Flags().Bool("no-watch", false, "Do not follow filesystem changes")
	rootCmd.AddCommand(serveCmd)
}
