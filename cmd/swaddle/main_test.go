package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	rootpkg "tools.zach/dev/swaddle"
	"tools.zach/dev/swaddle/internal/config"
	"tools.zach/dev/swaddle/internal/paths"
	"tools.zach/dev/swaddle/internal/status"
)

// ///////////////////////////////////////////////
// resolveVersion Tests
// ///////////////////////////////////////////////

func TestResolveVersionWithLdflags(t *testing.T) {
	// When version is set to something other than "dev", it should be returned as-is.
	original := version
	defer func() { version = original }()

	version = "1.2.3"
	got := resolveVersion()
	if got != "1.2.3" {
		t.Errorf("resolveVersion() = %q, want %q", got, "1.2.3")
	}
}

func TestResolveVersionDev(t *testing.T) {
	// Test binaries may or may not carry VCS info.
	original := version
	defer func() { version = original }()

	version = "dev"
	got := resolveVersion()
	if !strings.HasPrefix(got, "dev") {
		t.Errorf("resolveVersion() = %q, expected to start with 'dev'", got)
	}
}

// ///////////////////////////////////////////////
// defaultDataDir Tests
// ///////////////////////////////////////////////

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	want := filepath.Join("/home/tester", ".config", "swaddle")
	if got := defaultDataDir(); got != want {
		t.Errorf("defaultDataDir() = %q, want %q", got, want)
	}
}

// ///////////////////////////////////////////////
// pidToken Tests
// ///////////////////////////////////////////////

func TestPidToken_Unique(t *testing.T) {
	a := pidToken()
	b := pidToken()
	if a == b {
		t.Errorf("pidToken() returned the same value twice: %q", a)
	}
}

func TestPidToken_Length(t *testing.T) {
	tok := pidToken()
	if len(tok) != 16 {
		t.Errorf("pidToken() length = %d, want 16", len(tok))
	}
}

// ///////////////////////////////////////////////
// writePID / removePID Tests
// ///////////////////////////////////////////////

func TestWritePID_FileContainsPID(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer removePID(dp, token, f)

	data, err := os.ReadFile(dp.PID())
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	expected := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if string(data) != expected {
		t.Errorf("PID file content = %q, want %q", string(data), expected)
	}
}

func TestWritePID_SecondInstanceFails(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer removePID(dp, token, f)

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts like another daemon would.
	if _, err := writePID(dp, pidToken()); !errors.Is(err, errAlreadyRunning) {
		t.Errorf("second writePID() error = %v, want errAlreadyRunning", err)
	}

	alive, pid := checkStalePID(dp)
	if !alive || pid != os.Getpid() {
		t.Errorf("checkStalePID() = (%v, %d), want (true, %d)", alive, pid, os.Getpid())
	}
}

func TestRemovePID_MatchingToken(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	token := pidToken()

	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}

	removePID(dp, token, f)

	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("PID file should have been removed with matching token")
	}
}

func TestRemovePID_MismatchedToken(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	f, err := writePID(dp, pidToken())
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}

	removePID(dp, "wrong-token", f)

	if _, err := os.Stat(dp.PID()); os.IsNotExist(err) {
		t.Error("PID file should NOT have been removed with mismatched token")
	}
}

func TestRemovePID_NilFile(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	// Should not panic with a nil file handle.
	removePID(dp, "any-token", nil)
}

// ///////////////////////////////////////////////
// checkStalePID Tests
// ///////////////////////////////////////////////

func TestCheckStalePID_NoFile(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	alive, pid := checkStalePID(dp)
	if alive || pid != 0 {
		t.Errorf("checkStalePID() = (%v, %d), want (false, 0)", alive, pid)
	}
}

func TestCheckStalePID_StalePID(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	// A PID file nobody holds a lock on simulates a dead process.
	if err := os.WriteFile(dp.PID(), []byte("99999:staletoken"), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	alive, pid := checkStalePID(dp)
	if alive || pid != 0 {
		t.Errorf("checkStalePID() = (%v, %d), want (false, 0)", alive, pid)
	}
	if _, err := os.Stat(dp.PID()); !os.IsNotExist(err) {
		t.Error("stale PID file should have been removed")
	}
}

// ///////////////////////////////////////////////
// ensureConfig Tests
// ///////////////////////////////////////////////

func TestEnsureConfig_WritesDefaults(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	if err := ensureConfig(dp); err != nil {
		t.Fatalf("ensureConfig() error: %v", err)
	}
	data, err := os.ReadFile(dp.Config())
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !bytes.Equal(data, rootpkg.DefaultConfigTOML) {
		t.Error("written config differs from embedded default")
	}

	cfg, err := config.Load(dp.Root)
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.DefaultConfig()) {
		t.Errorf("loaded default config = %+v, want %+v", *cfg, *config.DefaultConfig())
	}
}

func TestEnsureConfig_KeepsExisting(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	custom := []byte("version = 2\ndebug = true\n")
	if err := os.WriteFile(dp.Config(), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ensureConfig(dp); err != nil {
		t.Fatalf("ensureConfig() error: %v", err)
	}
	data, err := os.ReadFile(dp.Config())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, custom) {
		t.Errorf("ensureConfig() overwrote existing config: %q", data)
	}
}

// ///////////////////////////////////////////////
// Status Tests
// ///////////////////////////////////////////////

func TestPrintStatus_NotRunning(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}

	var buf bytes.Buffer
	printStatus(&buf, dp)

	out := buf.String()
	for _, want := range []string{"swaddle is not running", "no status recorded yet"} {
		if !strings.Contains(out, want) {
			t.Errorf("printStatus() output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "recent log") {
		t.Errorf("printStatus() printed a log section without a log file:\n%s", out)
	}
}

func TestPrintStatus_Running(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	token := pidToken()
	f, err := writePID(dp, token)
	if err != nil {
		t.Fatalf("writePID() error: %v", err)
	}
	defer removePID(dp, token, f)

	now := time.Now()
	snap := status.Snapshot{
		PID:          os.Getpid(),
		Playing:      true,
		Player:       "org.mpris.MediaPlayer2.mpv",
		Inhibiting:   true,
		State:        "active",
		InhibitorPID: 31337,
		NextCheckAt:  now.Add(25 * time.Second),
		ExpiresAt:    now.Add(25 * time.Second),
		UpdatedAt:    now,
	}
	if err := status.Write(dp.Status(), snap); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dp.Log(), []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printStatus(&buf, dp)

	out := buf.String()
	for _, want := range []string{
		fmt.Sprintf("swaddle is running (pid %d)", os.Getpid()),
		"playing:    yes (org.mpris.MediaPlayer2.mpv)",
		"inhibitor:  active (pid 31337, expires ",
		"next check: ",
		"recent log:\nline one\nline two",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("printStatus() output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSnapshot_Idle(t *testing.T) {
	var buf bytes.Buffer
	writeSnapshot(&buf, &status.Snapshot{State: "idle", UpdatedAt: time.Now()})

	out := buf.String()
	if !strings.Contains(out, "playing:    no\n") || !strings.Contains(out, "inhibitor:  idle\n") {
		t.Errorf("writeSnapshot() = %q", out)
	}
	if strings.Contains(out, "next check") {
		t.Errorf("writeSnapshot() printed next check for zero time: %q", out)
	}
}

// ///////////////////////////////////////////////
// run Tests
// ///////////////////////////////////////////////

func TestRun_Version(t *testing.T) {
	original := version
	defer func() { version = original }()
	version = "9.9.9"

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(-version) = %d, want 0 (stderr %q)", code, stderr.String())
	}
	if got := stdout.String(); got != "swaddle 9.9.9\n" {
		t.Errorf("run(-version) output = %q", got)
	}
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-no-such-flag"}, &stdout, &stderr); code != 2 {
		t.Errorf("run(-no-such-flag) = %d, want 2", code)
	}
}

func TestRun_InvalidConfigExitsOne(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("version = 2\n[inhibitor]\nmode = \"sometimes\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-data-dir", dir}, &stdout, &stderr); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "load config") {
		t.Errorf("stderr = %q, want load config failure", stderr.String())
	}
}

func TestRun_UnreachableBusExitsOne(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+filepath.Join(dir, "no-bus"))
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-data-dir", dir}, &stdout, &stderr); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "session bus unavailable") {
		t.Errorf("stderr = %q, want bus failure", stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "daemon.pid")); !os.IsNotExist(err) {
		t.Error("PID file left behind after failed start")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Errorf("default config not written: %v", err)
	}
}

func TestNewLoop_FromDefaults(t *testing.T) {
	dp := paths.DataDir{Root: t.TempDir()}
	if l := newLoop(config.DefaultConfig(), nil, dp); l == nil {
		t.Fatal("newLoop() = nil")
	}
}
