// Package power watches systemd-logind for suspend and resume, translating
// PrepareForSleep signals into SystemSleep / SystemWake store actions so
// polling pauses while the host is asleep.
package power

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"podwatch/internal/store"
)

const (
	login1Path  = "/org/freedesktop/login1"
	sleepSignal = "org.freedesktop.login1.Manager.PrepareForSleep"
)

// Watcher forwards host power transitions to the store.
type Watcher struct {
	logger *slog.Logger
	st     *store.Store
}

// New creates a power watcher.
func New(logger *slog.Logger, st *store.Store) *Watcher {
	return &Watcher{
		logger: logger.With("component", "power"),
		st:     st,
	}
}

// Run listens for PrepareForSleep until ctx is done. Hosts without logind
// just never deliver the signal; the task idles.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("power: connect system bus: %w", err)
	}
	defer conn.Close()

	match := []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForSleep"),
		dbus.WithMatchObjectPath(login1Path),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("power: subscribe to logind: %w", err)
	}
	defer conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Name != sleepSignal || len(sig.Body) != 1 {
				continue
			}
			entering, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			if entering {
				w.logger.Info("host suspending")
				w.st.Dispatch(store.SystemSleep{})
			} else {
				w.logger.Info("host resumed")
				w.st.Dispatch(store.SystemWake{})
			}
		}
	}
}
