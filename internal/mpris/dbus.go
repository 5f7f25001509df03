package mpris

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// ///////////////////////////////////////////////
// godbus Transport
// ///////////////////////////////////////////////

const (
	listNamesMethod  = "org.freedesktop.DBus.ListNames"
	propertiesGetter = "org.freedesktop.DBus.Properties.Get"
)

// DBusBus implements [Bus] over a private session bus connection.
//
// A lost connection is re-established on the next call. Every call is bounded
// by the timeout passed to [NewDBusBus].
type DBusBus struct {
	timeout time.Duration

	mu     sync.Mutex
	conn   *dbus.Conn
	cancel context.CancelFunc // ends conn's lifetime context
}

// NewDBusBus returns an unconnected DBusBus. Call [DBusBus.Connect] at startup
// to fail fast when the bus is unreachable.
func NewDBusBus(callTimeout time.Duration) *DBusBus {
	return &DBusBus{timeout: callTimeout}
}

// Connect opens the session bus connection if it is not already open.
func (b *DBusBus) Connect() error {
	_, err := b.connection()
	return err
}

// Connected reports whether the bus currently holds a live connection.
func (b *DBusBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.Connected()
}

func (b *DBusBus) connection() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	if b.conn != nil {
		slog.Warn("session bus connection lost, reconnecting")
		b.closeLocked()
	}

	conn, cancel, err := dialSession(b.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	b.conn, b.cancel = conn, cancel
	slog.Debug("connected to session bus")
	return conn, nil
}

// dialSession connects to the session bus, giving up after timeout. The
// context handed to godbus outlives the dial because cancelling it closes the
// connection, so the deadline is a timer that is disarmed once the connection
// is up.
func dialSession(timeout time.Duration) (*dbus.Conn, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(timeout, cancel)

	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if !timer.Stop() {
		// The deadline fired during auth or Hello.
		if err == nil {
			_ = conn.Close()
		}
		cancel()
		return nil, nil, fmt.Errorf("connect session bus: timed out after %s", timeout)
	}
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("connect session bus: %w", err)
	}
	return conn, cancel, nil
}

// ListNames calls org.freedesktop.DBus.ListNames. Any failure is a transport
// failure.
func (b *DBusBus) ListNames(ctx context.Context) ([]string, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, listNamesMethod, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, listNamesMethod, err)
	}
	return names, nil
}

// GetProperty reads iface.prop from the object at path on dest. Failed calls
// wrap [ErrQuery]; only an unreachable bus wraps [ErrTransport].
func (b *DBusBus) GetProperty(ctx context.Context, dest, path, iface, prop string) (PropertyValue, error) {
	conn, err := b.connection()
	if err != nil {
		return PropertyValue{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var v dbus.Variant
	obj := conn.Object(dest, dbus.ObjectPath(path))
	if err := obj.CallWithContext(ctx, propertiesGetter, 0, iface, prop).Store(&v); err != nil {
		return PropertyValue{}, fmt.Errorf("%w: %s %s.%s: %w", ErrQuery, dest, iface, prop, err)
	}
	return variantValue(v), nil
}

// variantValue unwraps a Properties.Get reply.
func variantValue(v dbus.Variant) PropertyValue {
	if s, ok := v.Value().(string); ok {
		return StringValue(s)
	}
	return OtherValue(v.Signature().String())
}

// Close closes the connection. It is safe to call more than once.
func (b *DBusBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closeLocked()
}

func (b *DBusBus) closeLocked() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.cancel()
	b.conn, b.cancel = nil, nil
	return err
}
