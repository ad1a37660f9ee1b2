package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facecollect/internal/config"
	"github.com/andresmejia3/facecollect/internal/detector"
	"github.com/andresmejia3/facecollect/internal/logging"
	"github.com/andresmejia3/facecollect/internal/session"
	"github.com/andresmejia3/facecollect/internal/store"
	"github.com/andresmejia3/facecollect/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// Logger is the structured logger shared by subcommands
	Logger *zap.Logger
	// DB is the optional session mirror; nil when no database is configured
	DB *store.Store

	v          = config.New()
	configFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facecollect",
	Short:   "Face dataset collection: transcode capture videos and extract normalized face tiles",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}

		Logger, err = logging.New(Cfg.Log.Level, Cfg.Log.Format)
		if err != nil {
			return err
		}

		if Cfg.DB == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	flags.String("data-dir", "dataset", "Root directory for subject folders, videos, tiles and session records")
	flags.String("db", "", "PostgreSQL connection string for the session mirror (default: POSTGRES_* env, else disabled)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log format (console, json)")

	bindFlag(rootCmd, "data_dir", "data-dir")
	bindFlag(rootCmd, "db", "db")
	bindFlag(rootCmd, "log.level", "log-level")
	bindFlag(rootCmd, "log.format", "log-format")
}

// bindFlag ties a config key to a flag declared on c, so an explicit flag
// overrides env and file values.
func bindFlag(c *cobra.Command, key, name string) {
	f := c.PersistentFlags().Lookup(name)
	if f == nil {
		f = c.Flags().Lookup(name)
	}
	if f == nil {
		panic("unknown flag " + name)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// newRegistry builds the session registry, mirrored to the database when connected.
func newRegistry() *session.Registry {
	var mirror session.Mirror
	if DB != nil {
		mirror = DB
	}
	return session.New(Cfg.DataDir, mirror, Logger)
}

// newDetectorLoader builds the detector selection from configuration.
func newDetectorLoader() *detector.Loader {
	return &detector.Loader{
		Engine: worker.Config{
			Command:        Cfg.Detector.Command(),
			ModelPath:      Cfg.Detector.ModelPath,
			StartupTimeout: Cfg.Detector.StartupTimeout,
		},
		CascadePath: Cfg.Detector.CascadePath,
		MinFaceSize: Cfg.Detector.MinFaceSize,
		Logger:      Logger,
	}
}
