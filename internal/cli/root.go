// Package cli provides the command-line interface for themectl.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/config"
	"github.com/mlehnert/themectl/internal/metrics"
	"github.com/mlehnert/themectl/internal/session"
	"github.com/mlehnert/themectl/internal/tracker"
	"github.com/mlehnert/themectl/internal/workflow"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Shared application state, built in PersistentPreRunE.
	app struct {
		cfg       config.Config
		logger    *logSink
		mgr       *session.Manager
		client    *api.Client
		collector *metrics.Collector
		engine    *workflow.Engine
		trk       *tracker.Tracker
		notifier  *terminalNotifier
	}
)

// logSink bundles the logger with its file closer.
type logSink struct {
	*slog.Logger
	close func() error
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "themectl",
	Short: "Terminal client for the theme-ingestion backend",
	Long: `Themectl drives the theme-ingestion pipeline from the terminal:
create themes, upload documents, run the chunking and embedding pipeline
and follow task progress in real time.

Session credentials, CSRF rotation and refresh timers are handled
automatically; workflow state is persisted so an interrupted run resumes
where it left off.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return setupApp()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardownApp()
	},
}

// setupApp wires config, logging, session, API client, tracker and engine.
func setupApp() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.cfg = cfg

	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, level)
	app.logger = &logSink{Logger: logger, close: closeLog}

	mgr, err := session.NewManager(session.Config{
		StateDir:          cfg.StateDir,
		ServerURL:         cfg.ServerURL,
		MaxRetries:        cfg.MaxRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		MinRefreshLead:    cfg.MinRefreshLead,
		ValidatorInterval: cfg.ValidatorInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	mgr.OnExpired(func(reason string) {
		if reason == "logout" {
			return
		}
		fmt.Fprintf(os.Stderr, "\nSession expired (%s). Run 'themectl login' to continue.\n", reason)
	})
	app.mgr = mgr

	app.collector = metrics.NewCollector()
	httpClient := &http.Client{
		Jar:       mgr.Jar(),
		Transport: session.NewTransport(mgr, http.DefaultTransport, app.collector, logger),
	}
	app.client = api.New(cfg.ServerURL, api.WithHTTPClient(httpClient))
	mgr.SetAPI(app.client)
	mgr.StartSessionValidator(cfg.ValidatorInterval)

	trk := tracker.New(tracker.Config{
		URL:                  cfg.WSURL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		Header: func() http.Header {
			hdr := http.Header{}
			if cred := mgr.Token(); cred != nil {
				hdr.Set("Authorization", cred.TokenType+" "+cred.AccessToken)
			}
			return hdr
		},
	}, nil, logger)
	app.trk = trk

	store := workflow.NewStateStore(cfg.StateDir)
	app.notifier = notifierForTerminal()
	app.engine = workflow.New(app.client, trk, store, app.notifier, logger, workflow.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	trk.SetSink(app.engine)

	return nil
}

func teardownApp() {
	if app.engine != nil {
		app.engine.SaveState()
	}
	if app.trk != nil {
		app.trk.Close()
	}
	if app.mgr != nil {
		app.mgr.StopSessionValidator()
		app.mgr.Close()
	}
	if app.logger != nil {
		if app.collector != nil {
			for op, snap := range app.collector.Snapshot() {
				app.logger.Debug("api metrics", "operation", op, "count", snap.Count, "avg_ms", snap.AvgTimeMs)
			}
		}
		_ = app.logger.close()
	}
}

// requireAuth ensures the session is usable before a command runs.
func requireAuth(cmd *cobra.Command) error {
	if err := app.mgr.RequireAuth(cmd.Context()); err != nil {
		return fmt.Errorf("not logged in, run 'themectl login' first: %w", err)
	}
	return nil
}

// restoreWorkflow loads the persisted wizard state for workflow commands.
func restoreWorkflow(cmd *cobra.Command) {
	if !app.engine.RestoreState(cmd.Context()) {
		app.logger.Debug("no persisted workflow state, starting fresh")
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(themesCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(finishCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
