// Package persist owns everything podwatch writes to disk: the user
// configuration, the active battery profile, and the per-address history
// archive.
//
// Writes are atomic (tempfile then rename) and debounced, so a burst of
// settings changes lands as one write. Each file has its own lock; writes
// for the same key never overlap. A failed write is retried once, then
// surfaced as a store error while the daemon keeps running.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"podwatch/internal/battery"
	"podwatch/internal/config"
	"podwatch/internal/store"
)

const (
	configFile  = "config.json"
	profileFile = "profile.json"

	// saveDebounce is how long changes accumulate before a write.
	saveDebounce = time.Second

	retryDelay = 100 * time.Millisecond
)

// Manager serializes all disk access for one state directory.
type Manager struct {
	logger *slog.Logger
	dir    string

	// locks holds one mutex per file name.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	archive *Archive
}

// Open prepares a manager rooted at dir and opens the history archive.
func Open(logger *slog.Logger, dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create state dir: %w", err)
	}
	archive, err := OpenArchive(filepath.Join(dir, archiveFile))
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:  logger.With("component", "persist"),
		dir:     dir,
		locks:   make(map[string]*sync.Mutex),
		archive: archive,
	}, nil
}

// Close releases the history archive.
func (m *Manager) Close() error {
	return m.archive.Close()
}

// Archive exposes the per-address history store.
func (m *Manager) Archive() *Archive { return m.archive }

// LoadConfig reads config.json. A missing file yields the defaults; a
// partial file is normalized field by field.
func (m *Manager) LoadConfig() (config.Config, error) {
	var cfg config.Config
	ok, err := m.readFile(configFile, &cfg)
	if err != nil {
		return config.Default(), err
	}
	if !ok {
		return config.Default(), nil
	}
	return cfg.Normalize(), nil
}

// SaveConfig writes config.json atomically.
func (m *Manager) SaveConfig(cfg config.Config) error {
	return m.writeFile(configFile, cfg)
}

// LoadProfile reads the persisted battery profile. ok is false when no
// profile has been saved yet.
func (m *Manager) LoadProfile() (battery.Profile, bool, error) {
	var p battery.Profile
	ok, err := m.readFile(profileFile, &p)
	return p, ok, err
}

// SaveProfile writes the active battery profile and mirrors it into the
// history archive under its address.
func (m *Manager) SaveProfile(p battery.Profile) error {
	if err := m.writeFile(profileFile, p); err != nil {
		return err
	}
	if p.Address == "" {
		return nil
	}
	return m.archive.Put(p)
}

func (m *Manager) fileLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) readFile(name string, v any) (bool, error) {
	l := m.fileLock(name)
	l.Lock()
	defer l.Unlock()

	raw, err := os.ReadFile(filepath.Join(m.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist: read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("persist: parse %s: %w", name, err)
	}
	return true, nil
}

// writeFile writes atomically under the per-file lock, retrying once.
func (m *Manager) writeFile(name string, v any) error {
	l := m.fileLock(name)
	l.Lock()
	defer l.Unlock()

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", name, err)
	}

	err = m.writeAtomic(name, raw)
	if err != nil {
		m.logger.Warn("write failed, retrying", "file", name, "error", err)
		time.Sleep(retryDelay)
		err = m.writeAtomic(name, raw)
	}
	if err != nil {
		return fmt.Errorf("persist: write %s: %w", name, err)
	}
	return nil
}

func (m *Manager) writeAtomic(name string, raw []byte) error {
	path := filepath.Join(m.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ProfileFunc snapshots the current battery profile for saving.
type ProfileFunc func() battery.Profile

// Run subscribes to the store and persists state on a debounce. Triggered
// by NotePersist and NoteConfig; a final flush happens on shutdown. Blocks
// until ctx is done.
func (m *Manager) Run(ctx context.Context, st *store.Store, profile ProfileFunc) error {
	notes, cancel := st.Subscribe()
	defer cancel()

	var timer *time.Timer
	var fire <-chan time.Time

	save := func() {
		cfg := st.Config()
		cfg.SelectedDevice = st.DeviceState().Selected
		if err := m.SaveConfig(cfg); err != nil {
			m.logger.Error("config save failed", "error", err)
			st.Dispatch(store.SetError{Message: "could not save settings"})
			return
		}
		if profile != nil {
			if p := profile(); p.Address != "" {
				if err := m.SaveProfile(p); err != nil {
					m.logger.Error("profile save failed", "error", err)
					st.Dispatch(store.SetError{Message: "could not save battery history"})
					return
				}
			}
		}
		m.logger.Debug("state persisted")
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			// Graceful shutdown always flushes.
			save()
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if n.Kind != store.NotePersist && n.Kind != store.NoteConfig {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(saveDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(saveDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			save()
		}
	}
}
