// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/enderxdxd/flexkids-sync/offline"
	"github.com/enderxdxd/flexkids-sync/remotehttp"
)

func openStore(ctx context.Context) (*offline.Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	store := offline.NewStore(db, slog.Default())
	if err := store.Open(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and per-collection cache sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("queue: %s pending  %s synced  %s dead\n",
				color.YellowString("%d", stats.Pending),
				color.GreenString("%d", stats.Synced),
				color.RedString("%d", stats.Dead))

			for _, collection := range offline.Collections() {
				records, err := store.GetAll(ctx, collection)
				if err != nil {
					return err
				}
				unsynced := 0
				for _, rec := range records {
					if synced, _ := rec["synced"].(bool); !synced {
						unsynced++
					}
				}
				fmt.Printf("%-10s %4d records  %d unsynced\n", collection, len(records), unsynced)
			}
			return nil
		},
	}
}

func deadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.DeadLetters(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no dead-lettered entries")
				return nil
			}
			for _, e := range entries {
				id, _ := e.Data["id"].(string)
				fmt.Printf("%s  %s %s %s\n", color.RedString(e.ID), e.Collection, e.Op, id)
				fmt.Printf("    queued %s, %d attempts, last error: %s\n",
					e.QueuedAt.Format(time.RFC3339), e.Attempts, e.LastError)
			}
			return nil
		},
	}
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Return a dead-lettered entry to the live queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RequeueEntry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", args[0])
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	var baseURL, token string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the pending queue against the remote store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var tok remotehttp.TokenFunc
			if token != "" {
				tok = func(context.Context) (string, error) { return token, nil }
			}
			remote := remotehttp.New(baseURL, tok)
			monitor := offline.NewMonitor(true)
			engine := offline.New(store, remote, monitor, offline.DefaultConfig(), slog.Default())

			before, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			if err := engine.SyncAll(ctx); err != nil {
				return err
			}
			after, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("drained %d entries, %d still pending, %d dead\n",
				before.Pending-after.Pending, after.Pending, after.Dead)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "remote store base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the remote store")
	cmd.MarkFlagRequired("base-url")
	return cmd
}

func clearSyncedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-synced",
		Short: "Remove queue entries that already replayed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.ClearSynced(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d synced entries\n", n)
			return nil
		},
	}
}
