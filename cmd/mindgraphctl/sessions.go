package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/collective/mindgraph-engine/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions and their node trees",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsTreeCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recently updated sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			db, err := store.Connect(ctx, store.Options{
				DSN:      cfg.PostgresDSN,
				MaxConns: cfg.PostgresMaxConns,
				MinConns: cfg.PostgresMinConns,
				Log:      cliLogger(),
			})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			sessions, err := db.ListSessions(ctx, limit)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(sessions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}

// treeDump is the shape printed by `sessions tree` — the session row plus
// its full ordered node list, enough to reconstruct the approved tree
// without a second round trip through the dashboard API.
type treeDump struct {
	Session *store.Session    `json:"session"`
	Nodes   []store.GraphNode `json:"nodes"`
}

func sessionsTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Dump a session's approved node tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			db, err := store.Connect(ctx, store.Options{
				DSN:      cfg.PostgresDSN,
				MaxConns: cfg.PostgresMaxConns,
				MinConns: cfg.PostgresMinConns,
				Log:      cliLogger(),
			})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			session, err := db.GetSession(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			if session == nil {
				return fmt.Errorf("session %s not found", sessionID)
			}

			nodes, err := db.AllNodes(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}

			return json.NewEncoder(os.Stdout).Encode(treeDump{Session: session, Nodes: nodes})
		},
	}
	return cmd
}
