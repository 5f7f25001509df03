// Package mpris derives a single "something is playing" signal from the MPRIS
// media players registered on the session bus.
//
// The bus itself is consumed through the [Bus] interface; [DBusBus] is the
// godbus implementation used by the daemon.
package mpris

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/swaddle/internal/logger"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

const (
	// DefaultPrefix is the bus name prefix every MPRIS player registers under.
	DefaultPrefix = "org.mpris.MediaPlayer2."

	// ObjectPath is the object every MPRIS player exports.
	ObjectPath = "/org/mpris/MediaPlayer2"

	// PlayerInterface carries the PlaybackStatus property.
	PlayerInterface = "org.mpris.MediaPlayer2.Player"

	// PlaybackStatusProperty is read once per player per poll.
	PlaybackStatusProperty = "PlaybackStatus"

	// StatusPlaying is the only PlaybackStatus value that inhibits idle.
	// The comparison is case-sensitive.
	StatusPlaying = "Playing"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

var (
	// ErrTransport is returned when the session bus cannot be reached at all.
	ErrTransport = errors.New("session bus unavailable")

	// ErrQuery marks a failed or malformed property read for one player.
	// Monitor absorbs it; it only reaches logs.
	ErrQuery = errors.New("property query failed")
)

// ///////////////////////////////////////////////
// Bus Abstraction
// ///////////////////////////////////////////////

// Bus is the subset of session bus RPC the monitor needs.
type Bus interface {
	// ListNames returns every name currently owned on the bus.
	ListNames(ctx context.Context) ([]string, error)
	// GetProperty reads one property through org.freedesktop.DBus.Properties.Get.
	GetProperty(ctx context.Context, dest, path, iface, prop string) (PropertyValue, error)
}

// PropertyValue is a property reply. It either wraps a string or is "other":
// any reply shape the monitor does not understand.
type PropertyValue struct {
	str       string
	isString  bool
	signature string
}

// StringValue returns a PropertyValue wrapping s.
func StringValue(s string) PropertyValue {
	return PropertyValue{str: s, isString: true, signature: "s"}
}

// OtherValue returns a non-string PropertyValue. signature is the D-Bus type
// signature of the reply and is kept for diagnostics only.
func OtherValue(signature string) PropertyValue {
	return PropertyValue{signature: signature}
}

// String returns the wrapped string and whether the value was a string.
func (v PropertyValue) String() (string, bool) {
	return v.str, v.isString
}

// Signature returns the D-Bus signature of the reply.
func (v PropertyValue) Signature() string {
	return v.signature
}

// ///////////////////////////////////////////////
// Monitor
// ///////////////////////////////////////////////

// Signal is the aggregate playback state across all players.
type Signal struct {
	// Playing is true iff at least one player reported "Playing".
	Playing bool
	// Player is the bus name that reported "Playing", empty otherwise.
	Player string
}

// Options configures [NewMonitor].
type Options struct {
	// Prefix filters bus names. Defaults to [DefaultPrefix].
	Prefix string
	// Ignore holds doublestar patterns matched against full bus names.
	Ignore []string
}

// Monitor discovers MPRIS players and polls their playback status.
type Monitor struct {
	bus    Bus
	prefix string
	ignore []string
}

// NewMonitor returns a Monitor reading from bus. Invalid ignore patterns are
// logged and dropped.
func NewMonitor(bus Bus, opts Options) *Monitor {
	m := &Monitor{bus: bus, prefix: opts.Prefix}
	if m.prefix == "" {
		m.prefix = DefaultPrefix
	}
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			slog.Warn("skipping invalid ignore pattern", "pattern", p)
			continue
		}
		m.ignore = append(m.ignore, p)
	}
	return m
}

// DiscoverPlayers lists the player endpoints currently on the bus, in bus
// order. An empty result is not an error.
func (m *Monitor) DiscoverPlayers(ctx context.Context) ([]string, error) {
	names, err := m.bus.ListNames(ctx)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list names: %w", ErrTransport, err)
	}

	var players []string
	for _, name := range names {
		if !strings.HasPrefix(name, m.prefix) {
			continue
		}
		if m.ignored(name) {
			logger.Trace(slog.Default(), "ignoring player", "player", name)
			continue
		}
		players = append(players, name)
	}
	return players, nil
}

func (m *Monitor) ignored(name string) bool {
	for _, p := range m.ignore {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// PollSignal reads PlaybackStatus from each player in order and stops at the
// first one that is playing. Failed reads count as not playing.
//
// When players is empty and inhibiting is true the result is false without
// touching the bus.
func (m *Monitor) PollSignal(ctx context.Context, players []string, inhibiting bool) Signal {
	if len(players) == 0 && inhibiting {
		slog.Debug("no players left, releasing")
		return Signal{}
	}

	for _, player := range players {
		val, err := m.bus.GetProperty(ctx, player, ObjectPath, PlayerInterface, PlaybackStatusProperty)
		if err != nil {
			slog.Debug("playback status read failed", "player", player, "error", err)
			continue
		}
		status, ok := val.String()
		if !ok {
			slog.Debug("playback status is not a string", "player", player, "signature", val.Signature())
			continue
		}
		logger.Trace(slog.Default(), "playback status", "player", player, "status", status)
		if status == StatusPlaying {
			return Signal{Playing: true, Player: player}
		}
	}
	return Signal{}
}

// Poll discovers players and polls them. Only discovery failures are returned,
// always wrapping [ErrTransport].
func (m *Monitor) Poll(ctx context.Context, inhibiting bool) (Signal, error) {
	players, err := m.DiscoverPlayers(ctx)
	if err != nil {
		return Signal{}, err
	}
	return m.PollSignal(ctx, players, inhibiting), nil
}
