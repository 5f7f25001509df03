package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// ///////////////////////////////////////////////
// Single Instance
// ///////////////////////////////////////////////

// errAlreadyRunning means another swaddle holds the PID file lock.
var errAlreadyRunning = errors.New("swaddle is already running")

// lockPID takes the PID file's flock without blocking. The lock lives as long
// as f stays open.
func lockPID(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return fmt.Errorf("%w: %s is locked", errAlreadyRunning, f.Name())
	default:
		return fmt.Errorf("flock PID file %s: %w", f.Name(), err)
	}
}

func unlockPID(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("release PID file %s: %w", f.Name(), err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Shutdown Signals
// ///////////////////////////////////////////////

// shutdownSignals delivers SIGINT from a terminal and SIGTERM from
// `systemctl --user stop`.
func shutdownSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
