package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/db"
)

// newEventsCmd prints the event tree of one process run from HISTORY_DB_PATH.
func newEventsCmd(v *viper.Viper) *cobra.Command {
	var (
		dbPath    string
		eventID   int64
		maxDepth  int
		jsonOut   bool
		noPayload bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event tree of the latest (or a given) process run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(v.GetString("env_file")); err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = strings.TrimSpace(v.GetString("history_db_path"))
			}
			if dbPath == "" {
				return errors.New("no database: pass --db or set HISTORY_DB_PATH")
			}
			database, err := db.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			rootID := eventID
			if rootID == 0 {
				if rootID, err = db.LatestProcess(database); err != nil {
					return err
				}
			}
			root, err := db.Subtree(database, rootID)
			if err != nil {
				return err
			}

			opts := db.RenderOptions{MaxDepth: maxDepth, NoPayload: noPayload}
			if jsonOut {
				return db.RenderJSON(cmd.OutOrStdout(), root, opts)
			}
			db.RenderTree(cmd.OutOrStdout(), root, opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (defaults to HISTORY_DB_PATH).")
	cmd.Flags().Int64Var(&eventID, "id", 0, "Show the subtree of a specific event id.")
	cmd.Flags().IntVarP(&maxDepth, "depth", "L", 0, "Limit display depth (0 = unlimited).")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON.")
	cmd.Flags().BoolVar(&noPayload, "no-payload", false, "Hide payload details.")
	return cmd
}
