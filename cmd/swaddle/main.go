// Package main implements the swaddle daemon, which keeps the desktop from
// going idle while an MPRIS media player is playing.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	rootpkg "tools.zach/dev/swaddle"
	"tools.zach/dev/swaddle/internal/config"
	"tools.zach/dev/swaddle/internal/daemon"
	"tools.zach/dev/swaddle/internal/inhibit"
	"tools.zach/dev/swaddle/internal/logger"
	"tools.zach/dev/swaddle/internal/mpris"
	"tools.zach/dev/swaddle/internal/paths"
	"tools.zach/dev/swaddle/internal/status"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random 16-character hex token used to prove ownership
// of the PID file, so [removePID] only deletes the file if this instance wrote it.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID creates or opens the PID file, acquires an advisory lock, and
// writes "PID:TOKEN". The returned file must stay open for the lifetime of the
// daemon to hold the lock; pass it to [removePID] on shutdown.
func writePID(dp paths.DataDir, token string) (*os.File, error) {
	f, err := os.OpenFile(dp.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockPID(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockPID(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	content := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if _, err := f.WriteString(content); err != nil {
		_ = unlockPID(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID releases the lock, closes f, and removes the PID file only if the
// stored token matches.
func removePID(dp paths.DataDir, token string, f *os.File) {
	if f != nil {
		_ = unlockPID(f)
		f.Close()
	}
	data, err := os.ReadFile(dp.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(dp.PID())
	}
}

// checkStalePID reports whether another instance holds the PID file lock.
// If nobody holds it, any previous instance is dead and the stale file is
// removed.
func checkStalePID(dp paths.DataDir) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockPID(f); lockErr != nil {
		data, _ := os.ReadFile(dp.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
			return true, p
		}
		return true, 0
	}

	// Lock acquired -- previous instance is dead. Clean up stale file.
	_ = unlockPID(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns ~/.config/swaddle, falling back to ./.swaddle if the
// home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".swaddle")
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ensureConfig writes the embedded commented default config when none exists.
func ensureConfig(dp paths.DataDir) error {
	if _, err := os.Stat(dp.Config()); !os.IsNotExist(err) {
		return nil
	}
	if err := os.WriteFile(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// statusLogLines is how many log lines -status prints.
const statusLogLines = 10

// printStatus reports whether the daemon runs, its latest snapshot, and the
// tail of its log.
func printStatus(w io.Writer, dp paths.DataDir) {
	if alive, pid := checkStalePID(dp); alive {
		fmt.Fprintf(w, "swaddle is running (pid %d)\n", pid)
	} else {
		fmt.Fprintln(w, "swaddle is not running")
	}

	snap, err := status.Read(dp.Status())
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(w, "no status recorded yet")
	case err != nil:
		fmt.Fprintf(w, "status unreadable: %v\n", err)
	default:
		writeSnapshot(w, snap)
	}

	if tail, err := logger.ReadTail(dp.Log(), statusLogLines); err == nil && tail != "" {
		fmt.Fprintf(w, "\nrecent log:\n%s\n", tail)
	}
}

func writeSnapshot(w io.Writer, snap *status.Snapshot) {
	playing := "no"
	if snap.Playing {
		playing = "yes"
		if snap.Player != "" {
			playing += " (" + snap.Player + ")"
		}
	}
	fmt.Fprintf(w, "playing:    %s\n", playing)

	inhibitor := snap.State
	if snap.InhibitorPID != 0 {
		inhibitor += fmt.Sprintf(" (pid %d", snap.InhibitorPID)
		if !snap.ExpiresAt.IsZero() {
			inhibitor += ", expires " + snap.ExpiresAt.Local().Format(time.TimeOnly)
		}
		inhibitor += ")"
	}
	fmt.Fprintf(w, "inhibitor:  %s\n", inhibitor)
	if !snap.NextCheckAt.IsZero() {
		fmt.Fprintf(w, "next check: %s\n", snap.NextCheckAt.Local().Format(time.TimeOnly))
	}
	fmt.Fprintf(w, "updated:    %s\n", snap.UpdatedAt.Local().Format(time.DateTime))
}

// ///////////////////////////////////////////////
// Wiring
// ///////////////////////////////////////////////

// newLoop builds the monitor, supervisor and loop from cfg.
func newLoop(cfg *config.Config, bus mpris.Bus, dp paths.DataDir) *daemon.Loop {
	monitor := mpris.NewMonitor(bus, mpris.Options{
		Prefix: cfg.Players.Prefix,
		Ignore: cfg.Players.Ignore,
	})
	sup := inhibit.New(inhibit.Options{
		Command: inhibit.SystemdInhibit(inhibit.Params{
			Command: cfg.Inhibitor.Command,
			What:    cfg.Inhibitor.What,
			Who:     cfg.Inhibitor.Who,
			Why:     cfg.Inhibitor.Why,
			Mode:    cfg.Inhibitor.Mode,
		}),
		Duration:    cfg.InhibitDuration(),
		StopTimeout: cfg.StopTimeout(),
	})
	return daemon.New(monitor, sup, daemon.Options{
		InhibitDuration: cfg.InhibitDuration(),
		PollInterval:    cfg.PollInterval(),
		Report: status.Writer(dp.Status(), func(err error) {
			slog.Debug("status write failed", "error", err)
		}),
	})
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the whole daemon lifetime. It returns the process exit code so
// deferred cleanup runs before exit.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(paths.BinaryName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data-dir", defaultDataDir(), "Data directory for config, status, and logs")
	logStderr := fs.Bool("log-stderr", false, "Also write log lines to stderr")
	showStatus := fs.Bool("status", false, "Print daemon status and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "%s %s\n", paths.BinaryName, resolveVersion())
		return 0
	}

	dp := paths.DataDir{Root: *dataDir}

	if *showStatus {
		printStatus(stdout, dp)
		return 0
	}

	if err := os.MkdirAll(dp.Root, 0o755); err != nil {
		fmt.Fprintf(stderr, "fatal: create data dir: %v\n", err)
		return 1
	}

	if alive, pid := checkStalePID(dp); alive {
		fmt.Fprintf(stderr, "daemon already running (pid %d)\n", pid)
		return 1
	}

	if err := ensureConfig(dp); err != nil {
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}

	cfg, err := config.Load(dp.Root)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: load config: %v\n", err)
		return 1
	}

	logOpts := logger.Options{
		Path:      dp.Log(),
		Level:     logger.ResolveLevel(cfg.Log.Level, cfg.Debug),
		MaxSizeMB: cfg.Log.MaxSizeMB,
	}
	if *logStderr {
		logOpts.Console = stderr
	}
	log, logCloser, err := logger.NewLogger(logOpts)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("swaddle starting", "version", resolveVersion(), "data_dir", dp.Root)

	token := pidToken()
	pidFile, err := writePID(dp, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		return 1
	}
	defer removePID(dp, token, pidFile)

	bus := mpris.NewDBusBus(cfg.CallTimeout())
	if err := bus.Connect(); err != nil {
		logger.Fail(log, "cannot reach session bus", "error", err)
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}
	defer bus.Close()
	slog.Info("connected to session bus")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := shutdownSignals()
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := newLoop(cfg, bus, dp).Run(ctx); err != nil {
		slog.Error("loop exited", "error", err)
		return 1
	}
	slog.Info("swaddle stopped")
	return 0
}
