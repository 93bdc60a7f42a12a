// Package main provides the NutriLog sync core command line. It runs the
// background sync loop and exposes one-shot maintenance commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/nutrilog/backend/internal/app"
	"github.com/kimhsiao/nutrilog/backend/internal/config"
	"github.com/kimhsiao/nutrilog/backend/internal/models"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "nutrilog-core",
		Short:         "NutriLog offline-first sync core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (yaml, toml or json)")
	flags.String("data-dir", "", "directory for the local database and kv store")
	flags.String("user", "", "user id to sync")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("remote", "", "remote backend: mongo or memory")
	_ = c.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("user_id", flags.Lookup("user"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("remote.backend", flags.Lookup("remote"))

	root.AddCommand(
		c.runCmd(),
		c.migrateCmd(),
		c.retentionCmd(),
		c.queueCmd(),
		versionCmd(),
	)
	return root
}

// open loads configuration, installs logging and builds the app.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return nil, err
	}
	app.InitLogging(cfg.Log)
	return app.New(ctx, cfg)
}

func requireUser(a *app.App) (string, error) {
	if a.Config.UserID == "" {
		return "", fmt.Errorf("a user id is required (--user or NUTRILOG_USER_ID)")
	}
	return a.Config.UserID, nil
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		Long: `Start listening for remote changes and run the background loop:

  1. Poll connectivity every sync.poll_interval
  2. On reconnect, replay the operation queue and download remote state
  3. Apply the retention policy at most once per retention.interval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "NutriLog Core v%s syncing user %s\n", Version, a.Config.UserID)
			<-ctx.Done()
			return nil
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upload every local record not yet in the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			user, err := requireUser(a)
			if err != nil {
				return err
			}

			res, err := a.Engine.Migrate(cmd.Context(), user)
			if res != nil {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "KIND\tMIGRATED\tSKIPPED\tFAILED\n")
				for _, kind := range models.AllKinds {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", kind, res.Migrated[kind], res.Skipped[kind], res.Failed[kind])
				}
				w.Flush()
			}
			return err
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			user, err := requireUser(a)
			if err != nil {
				return err
			}

			st, err := a.Engine.MigrationStatus(cmd.Context(), user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:    %s\n", st.State)
			fmt.Fprintf(out, "Attempts: %d\n", st.AttemptCount)
			if !st.LastAttemptDate.IsZero() {
				fmt.Fprintf(out, "Last:     %s\n", st.LastAttemptDate.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Failed:   %d\n", st.FailedCount)
			return nil
		},
	})
	return cmd
}

func (c *cli) retentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Delete daily logs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			user, err := requireUser(a)
			if err != nil {
				return err
			}

			res, err := a.Engine.ApplyRetentionPolicy(cmd.Context(), user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cutoff %s: examined %d, expired %d, deleted %d, queued %d, failed %d\n",
				res.Cutoff.Format("2006-01-02"), res.Examined, res.Expired, res.Deleted, res.Queued, res.Failed)
			return nil
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or replay the pending operation queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			printQueue(cmd.OutOrStdout(), a.Engine.Queue().Snapshot(), a.Engine.Queue().Capacity())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations against the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Engine.DrainQueue(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Succeeded %d, failed %d, remaining %d\n", res.Succeeded, res.Failed, res.Remaining)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.Engine.Queue().Count()
			if err := a.Engine.Queue().Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d operations\n", n)
			return nil
		},
	})
	return cmd
}

func printQueue(out io.Writer, ops []models.SyncOperation, capacity int) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
	fmt.Fprintf(out, "%d/%d queued\n", len(ops), capacity)
	if len(ops) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TYPE\tKIND\tID\tTIMESTAMP\n")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", op.Type, op.EntityKind, op.EntityID, op.Timestamp.Format(time.RFC3339))
	}
	w.Flush()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "NutriLog Core v%s\n", Version)
		},
	}
}
