package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coppermind/shoebox/internal/importer"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine until interrupted",
	Long: `Run the background sync daemon.

The daemon:
  1. Opens the configured partitions (initial sync on first open)
  2. Drains the outgoing queue on a fixed period
  3. Pulls the remote journal on a fixed period
  4. Optionally imports assets dropped into a watch directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		logger := daemonLogger(eng)
		logger.Printf("Starting daemon (data=%s, remote=%s)", eng.cfg.DataDir, eng.cfg.Remote.URL)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for _, partitionID := range eng.cfg.Partitions {
			if err := eng.orch.OpenPartition(ctx, partitionID, nil); err != nil {
				return fmt.Errorf("failed to open partition %s: %w", partitionID, err)
			}
		}

		eng.orch.Start(ctx)

		var imp *importer.Importer
		if eng.cfg.Import.Enabled {
			impCfg := importer.DefaultConfig(eng.cfg.Import.Dir, eng.cfg.Import.PartitionID)
			impCfg.Logger = logger
			imp, err = importer.New(eng.orch, impCfg)
			if err != nil {
				return fmt.Errorf("failed to create importer: %w", err)
			}
			if err := imp.Start(ctx); err != nil {
				return fmt.Errorf("failed to start importer: %w", err)
			}
		}

		<-ctx.Done()
		logger.Printf("Shutdown signal received")

		if imp != nil {
			imp.Stop()
		}
		eng.orch.Stop()
		logger.Printf("Daemon stopped")
		return nil
	},
}

// daemonLogger writes to stderr, and additionally to a rotated log
// file when one is configured.
func daemonLogger(eng *engine) *log.Logger {
	var out io.Writer = os.Stderr
	if eng.cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   eng.cfg.Log.File,
			MaxSize:    eng.cfg.Log.MaxSizeMB,
			MaxBackups: eng.cfg.Log.MaxBackups,
			MaxAge:     eng.cfg.Log.MaxAgeDays,
		})
	}
	return log.New(out, "[daemon] ", log.LstdFlags)
}
