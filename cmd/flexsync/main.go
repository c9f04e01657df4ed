// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

// flexsync is the operator tool for a unit's offline cache: it inspects the
// sync queue, lists and requeues dead-lettered entries, runs a manual drain
// against the remote store, and clears replayed entries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flexsync",
		Short: "Inspect and drain the offline sync queue",
		Long: `flexsync operates on the local cache database of a point-of-sale unit.
It reports pending/synced/dead queue entries, surfaces dead-lettered
mutations with their last error, requeues them, and can force a drain
against the remote document store.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "flexkids.db", "path to the local cache database")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(deadCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(clearSyncedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var dbPath string
