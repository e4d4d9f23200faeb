package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacentio/trove/internal/conn"
	"github.com/jacentio/trove/internal/metrics"
	"github.com/jacentio/trove/store"
)

const (
	Version = "0.1.0"

	// wrap is the number of characters to wrap flag help text at
	wrap int = 50
)

// app carries the state shared by the command tree.
type app struct {
	v      *viper.Viper
	dial   conn.Dialer
	root   *cobra.Command
	logger *zap.Logger
	store  *store.Store
}

func newApp(dial conn.Dialer) *app {
	a := &app{v: store.NewViper(), dial: dial}

	root := &cobra.Command{
		Use:   "trove",
		Short: "resilient document store client",
		Long: fmt.Sprintf(`trove (v%s)

Reads and writes JSON documents keyed by partition key and type. Calls are
guarded by a circuit breaker and transient failures are retried with
exponential backoff. Settings come from TROVE_* environment variables,
.env files and flags.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	d := store.DefaultConfig()
	flags := root.PersistentFlags()
	flags.String(store.KeyEndpoint, "", wrapString("Store endpoint URL, e.g. http://localhost:8000 for DynamoDB Local"))
	flags.String(store.KeyRegion, d.Region, wrapString("AWS region of the store"))
	flags.String(store.KeyDatabase, d.Database, wrapString("Database name, the first half of the table name"))
	flags.String(store.KeyCollection, d.Collection, wrapString("Collection name, the second half of the table name"))
	flags.String(store.KeyAuthURL, "", wrapString("Endpoint serving the store credential when TROVE_KEY is unset"))
	flags.Int(store.KeyMaxAttempts, d.MaxAttempts, wrapString("Attempts per operation before giving up"))
	flags.Duration("timeout", 30*time.Second, wrapString("Deadline for the whole command"))
	flags.Bool("debug", false, wrapString("Log at debug level in development format"))
	flags.Bool("metrics", false, wrapString("Write metrics in Prometheus text format to stderr on exit"))

	root.AddCommand(
		a.getCmd(),
		a.saveCmd(),
		a.saveIfCmd(),
		a.versionOfCmd(),
		a.deleteCmd(),
		a.queryCmd(),
		a.batchSaveCmd(),
		versionCmd(),
	)
	a.root = root
	return a
}

// execute runs the command tree. Metrics and log flushing happen here rather
// than in a post-run hook, which cobra skips when the command fails.
func (a *app) execute() error {
	err := a.root.Execute()
	if a.v.GetBool("metrics") {
		metrics.WritePrometheus(a.root.ErrOrStderr())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of trove",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trove v%s\n", Version)
		},
	}
}

// setup binds flags and builds the store. Nothing connects until the first
// operation runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	store.LoadEnvFiles()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logger, err := newLogger(a.v.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.logger = logger

	cfg := store.LoadConfig(a.v)
	cfg.Dialer = a.dial
	cfg.Logger = logger
	a.store = store.New(cfg)
	return nil
}

// withTimeout returns the command context bounded by --timeout.
func (a *app) withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.v.GetDuration("timeout"))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

// wrapString wraps text at wrap characters for flag help output.
func wrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
