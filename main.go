package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line options passed to the App
type AppOptions struct {
	ConfigFile  string
	OutputDir   string
	MetricsFile string
	LogLevel    string
	HttpPort    int
	Interval    time.Duration
	Publish     bool
}

// Application is the behaviour the CLI drives. Implemented by *App.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunFusion(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		log.Error("sotonmesh failed", "err", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to app
func run(ctx context.Context, args []string, out io.Writer, app Application) error {
	cmd := newRootCmd(app)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(app Application) *cobra.Command {
	var opts AppOptions

	rootCmd := &cobra.Command{
		Use:           "sotonmesh",
		Short:         "Fuse campus geometry and linked data into GeoJSON",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.OutputDir, "output", "", "Output directory (overrides output.dir)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one fusion pass and write the data files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunFusion(cmd.Context())
		},
	}
	runCmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "Write Prometheus textfile metrics here (overrides output.metricsFile)")
	runCmd.Flags().BoolVar(&opts.Publish, "publish", true, "Announce the run over MQTT when a broker is configured")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the latest run over HTTP, optionally re-running on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return app.RunService(cmd.Context())
		},
	}
	serveCmd.Flags().IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	serveCmd.Flags().DurationVar(&opts.Interval, "interval", 0, "Re-run fusion this often (0 serves the existing output only)")
	serveCmd.Flags().BoolVar(&opts.Publish, "publish", true, "Announce each run over MQTT when a broker is configured")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sotonmesh version: %s\n", Version)
		},
	}

	rootCmd.AddCommand(runCmd, serveCmd, versionCmd)
	return rootCmd
}

// setupLogging applies a level name; an empty or unknown name leaves info
func setupLogging(level string) {
	log.SetReportTimestamp(true)
	if level == "" {
		log.SetLevel(log.InfoLevel)
		return
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warn("Unknown log level, using info", "level", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
