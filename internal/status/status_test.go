package status

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	want := Snapshot{
		PID:          4242,
		Playing:      true,
		Player:       "org.mpris.MediaPlayer2.spotify",
		Inhibiting:   true,
		State:        "active",
		InhibitorPID: 4300,
		NextCheckAt:  now.Add(25 * time.Second),
		ExpiresAt:    now.Add(25 * time.Second),
		UpdatedAt:    now,
	}
	if err := Write(path, want); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	for _, tc := range []struct {
		name      string
		got, want time.Time
	}{
		{"NextCheckAt", got.NextCheckAt, want.NextCheckAt},
		{"ExpiresAt", got.ExpiresAt, want.ExpiresAt},
		{"UpdatedAt", got.UpdatedAt, want.UpdatedAt},
	} {
		if !tc.got.Equal(tc.want) {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	got.NextCheckAt, got.ExpiresAt, got.UpdatedAt = time.Time{}, time.Time{}, time.Time{}
	want.NextCheckAt, want.ExpiresAt, want.UpdatedAt = time.Time{}, time.Time{}, time.Time{}
	if *got != want {
		t.Errorf("Read() = %+v, want %+v", *got, want)
	}
}

func TestWrite_IdleOmitsInhibitorFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	snap := Snapshot{PID: 1, State: "idle", UpdatedAt: time.Unix(0, 0).UTC()}
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"inhibitorPid", "expiresAt", "player"} {
		if strings.Contains(string(data), key) {
			t.Errorf("status.json contains %q for idle snapshot:\n%s", key, data)
		}
	}
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Read(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(missing) error = %v, want ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(bad); err == nil {
		t.Error("Read(malformed) error = nil, want error")
	}
}

func TestWriter_ReportsErrors(t *testing.T) {
	var got error
	report := Writer(filepath.Join(t.TempDir(), "no-such-dir", "status.json"), func(err error) { got = err })
	report(Snapshot{State: "idle"})
	if got == nil {
		t.Error("Writer did not report write error")
	}
}
