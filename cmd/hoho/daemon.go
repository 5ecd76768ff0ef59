package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"hoho/internal/config"
	"hoho/internal/daemon"
	hohoerrors "hoho/internal/errors"
	"hoho/internal/paths"
	"hoho/internal/slogutil"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the workspace analysis daemon",
	Long: `Manage the per-workspace analysis daemon.

The daemon keeps one semantic backend warm for the workspace and serves rename
requests over a unix socket under ~/.hoho/daemon/<workspace-hash>/. A lock file
next to the socket guarantees a single daemon per workspace.`,
}

var daemonLogFile string

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until interrupted, the idle timeout expires
or 'hoho daemon stop' is called.`,
	Args: cobra.NoArgs,
	RunE: runDaemonRun,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonRunCmd)

	daemonRunCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	socket, lock, err := daemon.Endpoint(root, cfg)
	if err != nil {
		return err
	}
	client := daemon.NewClient(socket)
	if client.IsRunning() {
		pid, _ := daemon.HolderPID(lock)
		return printResponse(&messageResponse{Message: fmt.Sprintf("Daemon is already running (PID: %d)", pid), Path: socket})
	}

	logPath, err := spawnDaemon(root)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Daemon.StartTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		return hohoerrors.New(hohoerrors.Timeout, "daemon did not become ready; see "+logPath, err)
	}
	pid, _ := daemon.HolderPID(lock)
	return printResponse(&messageResponse{
		Message: fmt.Sprintf("Daemon started (PID: %d)\nSocket: %s\nLog file: %s", pid, socket, logPath),
		Path:    socket,
	})
}

// spawnDaemon starts `hoho daemon run` for root as a detached process and
// returns its log file.
func spawnDaemon(root string) (string, error) {
	executable, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	if _, err := paths.EnsureDaemonDir(root); err != nil {
		return "", fmt.Errorf("failed to create daemon directory: %w", err)
	}
	logPath, err := paths.GetDaemonLogPath(root)
	if err != nil {
		return "", fmt.Errorf("failed to get log path: %w", err)
	}

	cmd := exec.Command(executable, "daemon", "run", "--root", root, "--log-file", logPath)
	cmd.Dir = root
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start daemon: %w", err)
	}
	// the child outlives us; don't leave a zombie if it exits first
	go func() { _ = cmd.Wait() }()
	return logPath, nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	socket, lock, err := daemon.Endpoint(root, cfg)
	if err != nil {
		return err
	}
	client := daemon.NewClient(socket)
	if !client.IsRunning() {
		return printResponse(&messageResponse{Message: "Daemon is not running"})
	}

	pid, _ := daemon.HolderPID(lock)
	timeout := time.Duration(cfg.Daemon.ShutdownTimeoutMs)*time.Millisecond + 5*time.Second
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	return printResponse(&messageResponse{Message: fmt.Sprintf("Daemon stopped (PID: %d)", pid)})
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	socket, lock, err := daemon.Endpoint(root, cfg)
	if err != nil {
		return err
	}
	client := daemon.NewClient(socket)
	if !client.IsRunning() {
		msg := "Daemon is not running"
		if pid, alive := daemon.HolderPID(lock); pid > 0 && !alive {
			msg += fmt.Sprintf(" (stale lock from PID %d will be reclaimed)", pid)
		}
		return printResponse(&messageResponse{Message: msg})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	return printResponse(&status)
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	root, cfg, err := workspace()
	if err != nil {
		return err
	}
	logger, closer, err := daemonLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.New(root, cfg, daemon.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Daemon.ShutdownTimeoutMs)*time.Millisecond+5*time.Second)
	defer cancel()
	return d.Stop(ctx)
}

// daemonLogger logs to --log-file (or daemon.logFile) with rotation, or to
// stderr. -v overrides logging.level and also copies file logs to stderr.
func daemonLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level := slogutil.LevelFromString(cfg.Logging.Level)
	if verbosity > 0 || quiet {
		level = slogutil.LevelFromVerbosity(verbosity, quiet)
	}
	path := daemonLogFile
	if path == "" {
		path = cfg.Daemon.LogFile
	}
	if path == "" {
		return slogutil.NewLogger(stderr, level), io.NopCloser(nil), nil
	}
	logger, closer, err := slogutil.NewFileLoggerWithRotation(path, level, cfg.Logging.MaxSize, cfg.Logging.MaxBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open daemon log: %w", err)
	}
	if verbosity > 0 {
		logger = slog.New(slogutil.NewTeeHandler(logger.Handler(), slogutil.NewLogger(stderr, level).Handler()))
	}
	return logger, closer, nil
}
