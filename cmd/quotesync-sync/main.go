package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/quotesync/internal/cryptox"
	"github.com/agentworkforce/quotesync/internal/logging"
	"github.com/agentworkforce/quotesync/internal/notion"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the resolved configuration shared by every subcommand.
// Precedence is flags, then QUOTESYNC_* env, then the config file.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	log    logging.Logger
	closer io.Closer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "quotesync-sync",
		Short:         "Project a quote library into a Notion workspace",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closer != nil {
				return c.closer.Close()
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml or toml)")
	flags.String("state-dir", ".quotesync", "directory for local connection state")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	flags.String("postgres-dsn", "", "Postgres DSN of the library database")
	flags.String("jobs-dsn", "", "job store DSN (memory:// or postgres://)")
	flags.Int("shards", quotesync.DefaultShardCount, "number of job shards")
	flags.String("notion-base-url", "", "override the Notion API base URL")
	flags.Float64("notion-rps", 0, "Notion requests per second (0 uses the default pacing)")
	flags.String("note-master-key", "", "hex master key for note decryption")

	root.AddCommand(newRunCmd(c), newJobsCmd(c), newMigrateCmd(c), newImportCmd(c))
	return root
}

func (c *cli) init(cmd *cobra.Command) error {
	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	c.v.SetEnvPrefix("QUOTESYNC")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if path := c.v.GetString("config"); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  c.v.GetString("log-level"),
		Format: c.v.GetString("log-format"),
		File:   c.v.GetString("log-file"),
	})
	if err != nil {
		return err
	}
	c.log = logger
	c.closer = closer
	return nil
}

func (c *cli) connectionsPath() string {
	return filepath.Join(c.v.GetString("state-dir"), "connections.json")
}

func (c *cli) openDB() (*sql.DB, error) {
	dsn := strings.TrimSpace(c.v.GetString("postgres-dsn"))
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (--postgres-dsn or QUOTESYNC_POSTGRES_DSN)")
	}
	return sql.Open("postgres", dsn)
}

// serviceOptions wires the parts of the engine every subcommand shares.
func (c *cli) serviceOptions() (quotesync.ServiceOptions, error) {
	opts := quotesync.ServiceOptions{
		Remotes: quotesync.NotionRemoteFactory(notion.ClientOptions{
			BaseURL:           c.v.GetString("notion-base-url"),
			RequestsPerSecond: c.v.GetFloat64("notion-rps"),
		}),
		Logger: c.log,
	}
	if master := strings.TrimSpace(c.v.GetString("note-master-key")); master != "" {
		keys, err := cryptox.NewHKDFKeyResolver(master)
		if err != nil {
			return quotesync.ServiceOptions{}, err
		}
		opts.Keys = keys
		opts.Decrypter = cryptox.AESGCM{}
	}
	return opts, nil
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
