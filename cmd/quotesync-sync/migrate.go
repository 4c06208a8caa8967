package main

import (
	"github.com/spf13/cobra"

	"github.com/agentworkforce/quotesync/internal/library"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

var migrateDB = library.Migrate

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply library schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrateDB(cmd.Context(), db); err != nil {
				return err
			}
			c.printf("library schema is up to date\n")
			return nil
		},
	}
}

func newImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Load a snapshot file into the Postgres library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := quotesync.LoadSnapshotFile(args[0])
			if err != nil {
				return err
			}
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := library.NewSourceRepository(db).Import(cmd.Context(), snapshot); err != nil {
				return err
			}
			c.printf("imported %d sources for %s\n", len(snapshot.Sources), snapshot.UserID)
			return nil
		},
	}
}
