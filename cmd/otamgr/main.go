// Package main is the CLI entry point for otamgr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/daemon"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/server"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "otamgr",
	Short: "Over-the-air update manager",
	Long: `otamgr keeps an installed application up to date. It polls an update
server, verifies downloaded bundles, asks before installing, and rolls back
bundles that fail verification or do not come up after a restart.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update scheduler in the foreground",
	Long: `Initializes the manager (reconciling any restart-to-apply in progress),
then checks for updates on the configured interval and fires due reminders.
With --api the status API is served alongside.`,
	RunE: runRun,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for an update now",
	Long:  `Runs a manual check that bypasses the throttle. Prompts on the terminal unless --no-ui.`,
	RunE:  runCheck,
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and verify the newest update",
	RunE:  runDownload,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Activate the downloaded update and restart",
	RunE:  runRestart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show update status",
	RunE:  runStatus,
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Print full diagnostics as JSON",
	RunE:  runDiagnostics,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent activity and statistics as JSON",
	RunE:  runHistory,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all persisted update state",
	RunE:  runReset,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the persisted update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set key=value...",
	Short: "Change configuration fields",
	Long:  "Fields: " + strings.Join(domain.ConfigFields, ", ") + `. Durations use Go syntax, e.g. checkInterval=10m.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConfigSet,
}

var blockCmd = &cobra.Command{
	Use:   "block <update-id>",
	Short: "Block an update id for the blockade TTL",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

var blockedCmd = &cobra.Command{
	Use:   "blocked <update-id>",
	Short: "Report whether an update id is blocked",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlocked,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	globalOpts  appOptions
	jsonOutput  bool
	noUI        bool
	withAPI     bool
	detach      bool
	blockReason string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalOpts.configPath, "config", "", "Config file (default: per-user or system location)")
	pf.StringVar(&globalOpts.dataDir, "data-dir", "", "Override the data directory")
	pf.BoolVar(&globalOpts.ephemeral, "ephemeral", false, "Keep state in memory only")
	pf.BoolVar(&globalOpts.trace, "trace", false, "Write OpenTelemetry spans to stderr")
	pf.BoolVarP(&globalOpts.verbose, "verbose", "v", false, "Verbose console logging")

	runCmd.Flags().BoolVar(&withAPI, "api", false, "Also serve the status API")
	runCmd.Flags().BoolVar(&detach, "detach", false, "Run in the background")
	checkCmd.Flags().BoolVar(&noUI, "no-ui", false, "Do not prompt; apply the auto-download policy")
	blockCmd.Flags().StringVar(&blockReason, "reason", usecase.ReasonManualBlock, "Reason recorded with the blockade")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(runCmd, checkCmd, downloadCmd, restartCmd, statusCmd, diagnosticsCmd,
		historyCmd, resetCmd, configCmd, blockCmd, blockedCmd, serveCmd, versionCmd)
}

// withApp builds the app for a command and tears it down afterwards.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := a.close(closeCtx); cerr != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", cerr)
		}
	}()
	return fn(ctx, a)
}

func interactive() appOptions {
	o := globalOpts
	o.interactive = true
	return o
}

func daemonOpts() appOptions {
	o := globalOpts
	o.daemon = true
	return o
}

func runRun(cmd *cobra.Command, args []string) error {
	if detach {
		forward := []string{"run"}
		if withAPI {
			forward = append(forward, "--api")
		}
		if globalOpts.configPath != "" {
			forward = append(forward, "--config", globalOpts.configPath)
		}
		if globalOpts.dataDir != "" {
			forward = append(forward, "--data-dir", globalOpts.dataDir)
		}
		pid, err := daemon.StartDetached(forward...)
		if err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		fmt.Printf("otamgr scheduler started (pid %d)\n", pid)
		return nil
	}

	return withApp(cmd, daemonOpts(), func(ctx context.Context, a *app) error {
		scheduler := daemon.NewScheduler(daemon.SchedulerConfig{ReminderInterval: a.cfg.ReminderInterval}, a.manager, a.logger.Named("scheduler"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return scheduler.Run(gctx) })
		if withAPI {
			g.Go(func() error { return serveAPI(gctx, a) })
		}
		return ignoreCanceled(g.Wait())
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, daemonOpts(), func(ctx context.Context, a *app) error {
		if err := a.manager.Initialize(ctx); err != nil {
			return err
		}
		return ignoreCanceled(serveAPI(ctx, a))
	})
}

// serveAPI serves the status API until ctx is canceled.
func serveAPI(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.NewRouter(a.manager, a.logger.Named("api")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("status API listening", zap.String("addr", a.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withApp(cmd, interactive(), func(ctx context.Context, a *app) error {
		var outcome domain.CheckOutcome
		if noUI {
			outcome = a.manager.CheckForUpdatesWithRetry(ctx, false, true)
		} else {
			outcome = a.manager.ForceCheckForUpdates(ctx)
		}
		printOutcome(os.Stdout, outcome)
		return nil
	})
}

func printOutcome(w io.Writer, o domain.CheckOutcome) {
	switch {
	case o.Skipped != "":
		fmt.Fprintf(w, "Check skipped: %s\n", o.Skipped)
	case o.Err != "":
		fmt.Fprintf(w, "Check failed after %d attempt(s): %s\n", o.Attempts, o.Err)
	case o.Available:
		fmt.Fprintf(w, "Update available: %s (%s)\n", o.Manifest.ID, usecase.FormatUpdateSize(o.Manifest.LaunchAsset.Size))
	case o.Reason != "" && o.Reason != usecase.ReasonNoUpdate:
		fmt.Fprintf(w, "No usable update: %s\n", o.Reason)
	default:
		fmt.Fprintln(w, "You're up to date.")
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	return withApp(cmd, interactive(), func(ctx context.Context, a *app) error {
		ok, err := a.manager.DownloadUpdate(ctx, true)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Nothing downloaded.")
			return nil
		}
		fmt.Println("Update downloaded and verified. Run 'otamgr restart' to apply it.")
		return nil
	})
}

func runRestart(cmd *cobra.Command, args []string) error {
	return withApp(cmd, interactive(), func(ctx context.Context, a *app) error {
		return a.manager.RestartApp(ctx)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		st := a.manager.GetUpdateStatus(ctx)
		if jsonOutput {
			return printJSON(os.Stdout, st)
		}

		fmt.Println("\n=== otamgr Status ===")
		if st.OTAAvailable {
			fmt.Println("OTA updates: available")
		} else {
			fmt.Printf("OTA updates: unavailable (%s)\n", st.OTAUnavailableReason)
		}
		fmt.Printf("Runtime version: %s (%s, %s)\n", st.RuntimeVersion, st.Channel, st.Platform)
		fmt.Printf("Update URL: %s\n", st.UpdateURL)
		current := st.CurrentUpdateID
		if current == "" {
			current = "embedded"
		}
		fmt.Printf("Running bundle: %s\n", current)
		if st.PendingUpdate != nil {
			fmt.Printf("Pending update: %s (downloaded %s)\n",
				st.PendingUpdate.Manifest.ID, st.PendingUpdate.DownloadedAt.Format(time.RFC3339))
		}
		fmt.Printf("Check interval: %s, auto-download: %t, auto-restart: %t\n",
			st.Config.CheckInterval, st.Config.AutoDownload, st.Config.AutoRestart)

		if len(st.RecentLogs) > 0 {
			fmt.Println("\nRecent activity:")
			for _, e := range st.RecentLogs {
				fmt.Printf("  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Activity)
			}
		}
		fmt.Println("=====================")
		return nil
	})
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		return printJSON(os.Stdout, a.manager.GetDiagnosticInfo(ctx))
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		return printJSON(os.Stdout, a.manager.GetUpdateHistory(ctx))
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		if err := a.manager.ResetUpdateState(ctx); err != nil {
			return err
		}
		fmt.Println("Update state reset.")
		return nil
	})
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		return printJSON(os.Stdout, server.NewConfigView(a.manager.GetConfiguration()))
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	values, err := parseAssignments(args)
	if err != nil {
		return err
	}
	patch, err := domain.ParseConfigPatch(values)
	if err != nil {
		return err
	}
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		cfg, err := a.manager.UpdateConfiguration(ctx, patch)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, server.NewConfigView(cfg))
	})
}

// parseAssignments turns ["a=1", "b=2"] into a map.
func parseAssignments(args []string) (map[string]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		values[k] = v
	}
	return values, nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		if err := a.manager.SetUpdateBlockade(ctx, args[0], blockReason); err != nil {
			return err
		}
		rec, _ := a.manager.Blockade(ctx, args[0])
		fmt.Printf("Blocked %s until %s\n", args[0], rec.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func runBlocked(cmd *cobra.Command, args []string) error {
	return withApp(cmd, globalOpts, func(ctx context.Context, a *app) error {
		rec, ok := a.manager.Blockade(ctx, args[0])
		if !ok {
			fmt.Printf("%s is not blocked\n", args[0])
			return nil
		}
		fmt.Printf("%s is blocked (%s) until %s\n", args[0], rec.Reason, rec.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("otamgr %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
