package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/api"
	"github.com/keyfort/keyfort/backup"
	"github.com/keyfort/keyfort/masterkey"
	bboltstorage "github.com/keyfort/keyfort/storage/bbolt"
	"github.com/keyfort/keyfort/syncer"
	"github.com/keyfort/keyfort/vault"
)

var (
	port         int
	dataDir      string
	backupDir    string
	syncInterval time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the local vault control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		kv, err := bboltstorage.NewStoreFromFile(filepath.Join(dataDir, "keyfort.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open vault storage: %w", err)
		}
		defer kv.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		keys := masterkey.NewService(identityFromEnv(), kv)
		store := vault.NewStore(kv)
		backups := backup.NewEngine(backupDir, store)
		sync := syncer.NewEngine(kv, syncer.NewMemoryRemote(),
			syncer.NewVaultLocalStore(store, vaultKeyFunc(keys)),
			syncer.WithLogger(logger))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go sync.StartAutoSync(ctx, syncInterval)

		a := api.New(keys, store, backups, sync, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Mount("/api", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting server on 127.0.0.1:%d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func vaultKeyFunc(keys *masterkey.Service) syncer.KeyFunc {
	return func(ctx context.Context) ([]byte, error) {
		material, err := keys.Generate(ctx)
		if err != nil {
			return nil, err
		}
		return material.Key, nil
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8990, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&backupDir, "backup-dir", "./backups", "Directory for backup files")
	serverCmd.Flags().DurationVar(&syncInterval, "sync-interval", 30*time.Second, "Auto-sync tick interval")
}
