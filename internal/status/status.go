// Package status publishes the daemon's most recent tick to status.json so
// `swaddle -status` can report it without talking to the daemon.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tools.zach/dev/swaddle/internal/atomicfile"
)

// Snapshot is the state after one loop tick. Only the latest snapshot is kept.
type Snapshot struct {
	PID          int       `json:"pid"`
	Playing      bool      `json:"playing"`
	Player       string    `json:"player,omitempty"`
	Inhibiting   bool      `json:"inhibiting"`
	State        string    `json:"state"`
	InhibitorPID int       `json:"inhibitorPid,omitempty"`
	NextCheckAt  time.Time `json:"nextCheckAt"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Write atomically replaces the snapshot at path.
func Write(path string, snap Snapshot) error {
	if err := atomicfile.WriteJSON(path, snap, 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// Read loads the snapshot at path.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &snap, nil
}

// Writer returns a reporter that writes each snapshot to path. Write errors
// are passed to onErr when it is non-nil.
func Writer(path string, onErr func(error)) func(Snapshot) {
	return func(snap Snapshot) {
		if err := Write(path, snap); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
