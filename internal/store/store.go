// Package store is the single-writer reactive state store.
//
// All mutable application state (device view, UI flags, configuration) is
// owned here and mutated only through Dispatch. Dispatch applies the action
// synchronously under one mutex and returns; subscribers are notified
// asynchronously, with identical notification kinds coalesced inside a short
// window so bursts of dispatches produce one UI refresh.
package store

import (
	"log/slog"
	"sync"
	"time"

	"podwatch/internal/battery"
	"podwatch/internal/config"
	"podwatch/internal/merge"
)

// Action is a typed state mutation. The set is closed; components construct
// actions and hand them to Dispatch, never mutate state directly.
type Action interface {
	kind() NoteKind
	name() string
}

// UpdateDevices replaces the merged device view after a scan cycle.
type UpdateDevices struct {
	Devices []merge.Device
	Dropped int
}

// UpdateBatteryStatus publishes fresh intelligence estimates for the
// selected device.
type UpdateBatteryStatus struct {
	Address string
	Left    battery.Estimate
	Right   battery.Estimate
	Case    battery.Estimate
}

// SelectDevice pins the device whose battery is tracked and displayed.
type SelectDevice struct{ Address string }

// RemoveDevice forgets a device from the current view.
type RemoveDevice struct{ Address string }

// UpdateSettings replaces the configuration.
type UpdateSettings struct{ Config config.Config }

// Window and settings visibility toggles. The store only records the flags;
// the UI collaborator reacts to the notification.
type (
	ShowWindow       struct{}
	HideWindow       struct{}
	ToggleVisibility struct{}
	ShowSettings     struct{}
	HideSettings     struct{}
)

// SetError surfaces a single user-visible error message; ClearError
// dismisses it.
type (
	SetError   struct{ Message string }
	ClearError struct{}
)

// SavePersistentState requests a (debounced) write of config and profile.
type SavePersistentState struct{}

// LoadPersistentState hydrates the store from disk at startup.
type LoadPersistentState struct {
	Config         config.Config
	SelectedDevice string
}

// SystemSleep and SystemWake mark host power transitions.
type (
	SystemSleep struct{}
	SystemWake  struct{}
)

func (UpdateDevices) kind() NoteKind       { return NoteDevices }
func (UpdateBatteryStatus) kind() NoteKind { return NoteBattery }
func (SelectDevice) kind() NoteKind        { return NoteDevices }
func (RemoveDevice) kind() NoteKind        { return NoteDevices }
func (UpdateSettings) kind() NoteKind      { return NoteConfig }
func (ShowWindow) kind() NoteKind          { return NoteUI }
func (HideWindow) kind() NoteKind          { return NoteUI }
func (ToggleVisibility) kind() NoteKind    { return NoteUI }
func (ShowSettings) kind() NoteKind        { return NoteUI }
func (HideSettings) kind() NoteKind        { return NoteUI }
func (SetError) kind() NoteKind            { return NoteUI }
func (ClearError) kind() NoteKind          { return NoteUI }
func (SavePersistentState) kind() NoteKind { return NotePersist }
func (LoadPersistentState) kind() NoteKind { return NoteConfig }
func (SystemSleep) kind() NoteKind         { return NoteLifecycle }
func (SystemWake) kind() NoteKind          { return NoteLifecycle }

func (UpdateDevices) name() string       { return "UpdateDevices" }
func (UpdateBatteryStatus) name() string { return "UpdateBatteryStatus" }
func (SelectDevice) name() string        { return "SelectDevice" }
func (RemoveDevice) name() string        { return "RemoveDevice" }
func (UpdateSettings) name() string      { return "UpdateSettings" }
func (ShowWindow) name() string          { return "ShowWindow" }
func (HideWindow) name() string          { return "HideWindow" }
func (ToggleVisibility) name() string    { return "ToggleVisibility" }
func (ShowSettings) name() string        { return "ShowSettings" }
func (HideSettings) name() string        { return "HideSettings" }
func (SetError) name() string            { return "SetError" }
func (ClearError) name() string          { return "ClearError" }
func (SavePersistentState) name() string { return "SavePersistentState" }
func (LoadPersistentState) name() string { return "LoadPersistentState" }
func (SystemSleep) name() string         { return "SystemSleep" }
func (SystemWake) name() string          { return "SystemWake" }

// BatteryStatus is the latest published estimate triple.
type BatteryStatus struct {
	Address string
	Left    battery.Estimate
	Right   battery.Estimate
	Case    battery.Estimate
}

// Snapshot is a copy of the device state, safe to retain.
type Snapshot struct {
	Devices  []merge.Device
	Dropped  int
	Selected string
	Battery  *BatteryStatus
	Sleeping bool
	LastScan time.Time
}

// UISnapshot is a copy of the UI flags.
type UISnapshot struct {
	WindowVisible   bool
	SettingsVisible bool
	ErrorMessage    string
}

// Store owns all mutable state. Safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu       sync.Mutex
	devices  []merge.Device
	dropped  int
	selected string
	battery  *BatteryStatus
	sleeping bool
	lastScan time.Time
	ui       UISnapshot
	cfg      config.Config

	notifier *notifier

	// now is swappable for tests.
	now func() time.Time
}

// New creates a store seeded with the given configuration.
func New(logger *slog.Logger, cfg config.Config) *Store {
	s := &Store{
		logger:   logger.With("component", "store"),
		cfg:      cfg.Normalize(),
		selected: cfg.SelectedDevice,
		now:      time.Now,
	}
	s.notifier = newNotifier()
	return s
}

// Close stops notification delivery and closes all subscriber channels.
// Notifications still waiting for their coalescing window are dropped.
func (s *Store) Close() {
	s.notifier.close()
}

// Dispatch applies an action synchronously and schedules notification.
// It never blocks on subscribers.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	s.apply(a)
	s.mu.Unlock()

	s.logger.Debug("dispatch", "action", a.name())
	s.notifier.post(a.kind())
}

// apply is the reducer. Caller holds s.mu.
func (s *Store) apply(a Action) {
	switch a := a.(type) {
	case UpdateDevices:
		s.devices = a.Devices
		s.dropped = a.Dropped
		s.lastScan = s.now()
		if s.selected == "" {
			s.selected = autoSelect(a.Devices)
		}
	case UpdateBatteryStatus:
		s.battery = &BatteryStatus{
			Address: a.Address,
			Left:    a.Left,
			Right:   a.Right,
			Case:    a.Case,
		}
	case SelectDevice:
		s.selected = a.Address
		if s.battery != nil && s.battery.Address != a.Address {
			s.battery = nil
		}
	case RemoveDevice:
		kept := s.devices[:0]
		for _, d := range s.devices {
			if d.Address != a.Address {
				kept = append(kept, d)
			}
		}
		s.devices = kept
		if s.selected == a.Address {
			s.selected = ""
		}
		if s.battery != nil && s.battery.Address == a.Address {
			s.battery = nil
		}
	case UpdateSettings:
		s.cfg = a.Config.Normalize()
	case ShowWindow:
		s.ui.WindowVisible = true
	case HideWindow:
		s.ui.WindowVisible = false
	case ToggleVisibility:
		s.ui.WindowVisible = !s.ui.WindowVisible
	case ShowSettings:
		s.ui.SettingsVisible = true
	case HideSettings:
		s.ui.SettingsVisible = false
	case SetError:
		s.ui.ErrorMessage = a.Message
	case ClearError:
		s.ui.ErrorMessage = ""
	case SavePersistentState:
		// Pure notification; persistence subscribes to NotePersist.
	case LoadPersistentState:
		s.cfg = a.Config.Normalize()
		if a.SelectedDevice != "" {
			s.selected = a.SelectedDevice
		}
	case SystemSleep:
		s.sleeping = true
	case SystemWake:
		s.sleeping = false
	}
}

// autoSelect picks the device to track when none is remembered: the first
// one carrying battery telemetry, else the first overall.
func autoSelect(devices []merge.Device) string {
	for _, d := range devices {
		if d.Battery != nil {
			return d.Address
		}
	}
	if len(devices) > 0 {
		return devices[0].Address
	}
	return ""
}

// DeviceState returns a copy of the current device view.
func (s *Store) DeviceState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Devices:  append([]merge.Device(nil), s.devices...),
		Dropped:  s.dropped,
		Selected: s.selected,
		Sleeping: s.sleeping,
		LastScan: s.lastScan,
	}
	if s.battery != nil {
		b := *s.battery
		snap.Battery = &b
	}
	return snap
}

// UIState returns a copy of the UI flags.
func (s *Store) UIState() UISnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ui
}

// Config returns a copy of the current configuration.
func (s *Store) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Subscribe registers a notification consumer. The returned channel is
// backed by an unbounded queue, so slow consumers never stall dispatch.
// The cancel function unregisters and closes the channel.
func (s *Store) Subscribe() (<-chan Notification, func()) {
	return s.notifier.subscribe()
}
