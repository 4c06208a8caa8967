package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/quotesync/internal/library"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

func newJobsCmd(c *cli) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drain background sync jobs",
	}

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's jobs across every shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := quotesync.BuildJobStoreFromDSN(c.v.GetString("jobs-dsn"), c.v.GetInt("shards"))
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSHARD\tSOURCE\tSTATUS\tUPDATED\tERROR")
			for _, job := range rows {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					job.ID, job.Shard, job.SourceID, job.Status, job.UpdatedAt.Format(time.RFC3339), job.Error)
			}
			return w.Flush()
		},
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Run every READY job once, reading sources from the Postgres library",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := strings.TrimSpace(c.v.GetString("jobs-dsn"))
			if dsn == "" {
				dsn = c.v.GetString("postgres-dsn")
			}
			store, err := quotesync.BuildJobStoreFromDSN(dsn, c.v.GetInt("shards"))
			if err != nil {
				return err
			}
			defer store.Close()
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			opts, err := c.serviceOptions()
			if err != nil {
				return err
			}
			opts.Library = library.NewSourceRepository(db)
			opts.Connections = library.NewConnectionRepository(db)
			opts.Jobs = store
			service, err := quotesync.NewService(opts)
			if err != nil {
				return err
			}
			pool, err := quotesync.NewWorkerPool(quotesync.WorkerPoolOptions{Store: store, Runner: service, Logger: c.log})
			if err != nil {
				return err
			}
			total := 0
			for shard := 0; shard < store.Shards(); shard++ {
				n, err := pool.DrainShard(cmd.Context(), shard)
				total += n
				if err != nil {
					return fmt.Errorf("drain shard %d: %w", shard, err)
				}
			}
			c.printf("drained %d jobs\n", total)
			return nil
		},
	}

	jobs.AddCommand(list, drain)
	return jobs
}
