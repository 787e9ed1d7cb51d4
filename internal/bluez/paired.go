// Package bluez queries the BlueZ D-Bus API for paired Bluetooth devices.
//
// The enumerator walks org.freedesktop.DBus.ObjectManager on the org.bluez
// service and normalizes every org.bluez.Device1 object with Paired=true
// into the internal device shape. It is a thin wrapper over the OS pairing
// state: podwatch never pairs or bonds devices itself.
//
// The merge pipeline consumes the PairedSource capability, so tests and
// development builds can substitute a StaticSource.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"podwatch/internal/scanreport"
)

const (
	bluezService = "org.bluez"
	deviceIface  = "org.bluez.Device1"
)

// PairedDevice is one device from the OS pairing list.
type PairedDevice struct {
	Address   string
	Name      string
	Connected bool
	// ModelHint carries the BlueZ icon class when present, e.g.
	// "audio-headset". Purely advisory.
	ModelHint string
}

// PairedSource lists the devices the OS considers paired.
type PairedSource interface {
	ListPaired(ctx context.Context) ([]PairedDevice, error)
}

// Enumerator is the production PairedSource backed by the system bus.
type Enumerator struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewEnumerator connects to the system bus.
func NewEnumerator(logger *slog.Logger) (*Enumerator, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &Enumerator{
		conn:   conn,
		logger: logger.With("component", "bluez"),
	}, nil
}

// ListPaired returns the current pairing snapshot, sorted by address.
func (e *Enumerator) ListPaired(ctx context.Context) ([]PairedDevice, error) {
	obj := e.conn.Object(bluezService, "/")

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	var devices []PairedDevice
	for _, interfaces := range objects {
		props, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		if !boolProp(props, "Paired") {
			continue
		}
		addr := stringProp(props, "Address")
		if addr == "" {
			continue
		}

		name := stringProp(props, "Alias")
		if name == "" {
			name = stringProp(props, "Name")
		}

		devices = append(devices, PairedDevice{
			Address:   scanreport.CanonicalAddress(addr),
			Name:      name,
			Connected: boolProp(props, "Connected"),
			ModelHint: stringProp(props, "Icon"),
		})
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})

	e.logger.Debug("pairing snapshot", "devices", len(devices))
	return devices, nil
}

// Close releases the bus connection.
func (e *Enumerator) Close() error {
	return e.conn.Close()
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

// StaticSource is an in-memory PairedSource.
type StaticSource struct {
	mu      sync.Mutex
	devices []PairedDevice
	err     error
}

// NewStaticSource seeds a source with a fixed device list.
func NewStaticSource(devices ...PairedDevice) *StaticSource {
	return &StaticSource{devices: devices}
}

// Set replaces the device list.
func (s *StaticSource) Set(devices ...PairedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// Fail makes subsequent ListPaired calls return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) ListPaired(context.Context) ([]PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]PairedDevice(nil), s.devices...), nil
}
