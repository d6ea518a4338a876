package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/logging"
	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// cli carries the global flags and the app built for the running command.
type cli struct {
	configPath string
	actor      string
	project    string
	verbose    bool

	// write flags shared by mutating commands
	tag             string
	expectedVersion string

	app *app
}

// newRootCmd builds the command tree. The returned close function releases
// whatever the executed command opened and must run after Execute, since
// cobra skips post-run hooks when a command fails.
func newRootCmd() (*cobra.Command, func()) {
	c := &cli{}

	root := &cobra.Command{
		Use:   "assay-engine",
		Short: "Assay run correction engine",
		Long: `assay-engine stores assay result runs and applies reversible corrections
to them: weight and dilution fixes, reference material comparison, drift
correction and blank/scale optimization. Every change is recorded in a
change log and can be undone.

Output is JSON on stdout; logs go to stderr.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "config file; environment only when missing")
	root.PersistentFlags().StringVar(&c.actor, "actor", "", "actor recorded on change batches (defaults to $USER)")
	root.PersistentFlags().StringVarP(&c.project, "project", "p", "", "project id")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.serveCmd(),
		c.projectCmd(),
		c.importCmd(),
		c.rowsCmd(),
		c.pivotCmd(),
		c.duplicatesCmd(),
		c.crmCmd(),
		c.weightsCmd(),
		c.driftCmd(),
		c.optimizeCmd(),
		c.undoCmd(),
		c.versionsCmd(),
		c.checkoutCmd(),
		c.historyCmd(),
		c.jobsCmd(),
	)
	return root, c.teardown
}

func (c *cli) loadConfig() (*config.Config, error) {
	if _, err := os.Stat(c.configPath); errors.Is(err, os.ErrNotExist) {
		return config.LoadEnv(Version)
	}
	return config.LoadFile(c.configPath, Version)
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Env, c.verbose)
	if err != nil {
		return err
	}
	c.app, err = newApp(cmd.Context(), cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}

	actor := c.actor
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if actor == "" {
		actor = "cli"
	}
	cmd.SetContext(models.WithManualProvenance(cmd.Context(), actor))
	return nil
}

func (c *cli) teardown() {
	if c.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.app.close(ctx)
	_ = c.app.logger.Sync()
	c.app = nil
}

// projectID parses the --project flag.
func (c *cli) projectID() (uuid.UUID, error) {
	if c.project == "" {
		return uuid.Nil, fmt.Errorf("--project is required")
	}
	id, err := uuid.Parse(c.project)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --project %q: %w", c.project, err)
	}
	return id, nil
}

func addWriteFlags(cmd *cobra.Command, c *cli) {
	cmd.Flags().StringVar(&c.tag, "tag", "", "tag for the version this change creates")
	cmd.Flags().StringVar(&c.expectedVersion, "expect-version", "", "fail unless this version is active")
}

func (c *cli) writeOptions() (services.WriteOptions, error) {
	opts := services.WriteOptions{Tag: c.tag}
	if c.expectedVersion != "" {
		id, err := uuid.Parse(c.expectedVersion)
		if err != nil {
			return opts, fmt.Errorf("invalid --expect-version %q: %w", c.expectedVersion, err)
		}
		opts.ExpectedVersionID = &id
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

// logger returns the app logger, or a no-op one before setup.
func (c *cli) logger() *zap.Logger {
	if c.app == nil {
		return zap.NewNop()
	}
	return c.app.logger
}
