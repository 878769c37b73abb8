// Command shoebox runs the local-first sync engine for a mirrored
// photo-library store: a local SQLite mirror serves reads and
// optimistic writes while background passes reconcile it with the
// remote authoritative store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coppermind/shoebox/internal/config"
	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/queue"
	"github.com/coppermind/shoebox/internal/remote"
	"github.com/coppermind/shoebox/internal/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shoebox",
	Short: "Local-first sync engine for a mirrored photo library",
	Long: `shoebox keeps a local mirror of a remote photo-library store.

Reads and mutations hit the local SQLite mirror immediately; pending
changes queue durably and background passes push them to the remote
store and pull other writers' changes back in.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + SHOEBOX_* env)")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

// engine bundles the wired-up components a command needs.
type engine struct {
	cfg   *config.Config
	store *mirror.Store
	queue *queue.Queue
	orch  *sync.Orchestrator
}

// openEngine loads configuration and opens the local stores and
// remote client. The caller must call close().
func openEngine() (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	store, err := mirror.Open(filepath.Join(cfg.DataDir, "shoebox.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}

	q, err := queue.New(store.RawDB())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	client := remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.URL,
		AuthToken: cfg.Remote.AuthToken,
		Timeout:   cfg.Remote.Timeout,
	})

	orchCfg := &sync.Config{
		Collections:      cfg.Collections,
		OutgoingInterval: cfg.OutgoingInterval,
		IncomingInterval: cfg.IncomingInterval,
	}

	return &engine{
		cfg:   cfg,
		store: store,
		queue: q,
		orch:  sync.New(store, q, client, orchCfg),
	}, nil
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}
