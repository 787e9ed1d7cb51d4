// Package ble captures Apple Continuity advertisements over BLE.
//
// The Watcher opens a BlueZ discovery session on the system bus and turns
// PropertiesChanged / InterfacesAdded signals into Observations: one event
// per advertisement that carries a manufacturer-data record. A scan Session
// aggregates observations per address, decodes Apple battery frames, and
// terminates according to the selected scan mode.
//
// Battery levels obtained this way are approximate (10% resolution) and the
// advertisements update slowly. The host-side intelligence engine is what
// turns them into 1% estimates.
package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"podwatch/internal/continuity"
)

const (
	bluezService  = "org.bluez"
	adapterPath   = "/org/bluez/hci0"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	propsIface    = "org.freedesktop.DBus.Properties"
	objMgrIface   = "org.freedesktop.DBus.ObjectManager"
	signalBacklog = 64
)

// ErrNoAdapter wraps discovery failures that mean the Bluetooth adapter is
// absent or powered off.
var ErrNoAdapter = errors.New("bluetooth adapter unavailable")

// Observation is a single decoded advertisement event.
type Observation struct {
	Address string
	RSSI    int
	HasRSSI bool
	// Frames holds manufacturer data keyed by company ID.
	Frames map[uint16][]byte
	Time   time.Time
}

// AppleFrame returns the Apple manufacturer record, if the advertisement
// carried one.
func (o Observation) AppleFrame() ([]byte, bool) {
	frame, ok := o.Frames[continuity.AppleCompanyID]
	return frame, ok
}

// Source is the capability a scan session consumes: start and stop the
// underlying advertisement watcher and stream its events. The D-Bus Watcher
// is the production implementation; tests substitute an in-memory one.
type Source interface {
	Start() error
	Stop() error
	Observations() <-chan Observation
	// Stopped delivers a tick when discovery halts without Stop having been
	// requested, so the session can apply its restart policy.
	Stopped() <-chan struct{}
}

// Watcher subscribes to BLE advertisements through the BlueZ D-Bus API.
type Watcher struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	obs     chan Observation
	stopped chan struct{}
	logger  *slog.Logger

	mu            sync.Mutex
	rssiByAddr    map[string]int
	stopRequested bool
	closed        bool
}

// NewWatcher connects to the system bus and prepares a watcher. Discovery
// does not start until Start is called.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	w := &Watcher{
		conn:       conn,
		signals:    make(chan *dbus.Signal, signalBacklog),
		obs:        make(chan Observation, signalBacklog),
		stopped:    make(chan struct{}, 1),
		logger:     logger.With("component", "ble"),
		rssiByAddr: make(map[string]int),
	}

	go w.pump()

	return w, nil
}

// Start begins LE discovery and subscribes to advertisement signals.
func (w *Watcher) Start() error {
	w.mu.Lock()
	w.stopRequested = false
	w.mu.Unlock()

	obj := w.conn.Object(bluezService, adapterPath)

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": true,
	}
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("%w: set discovery filter: %v", ErrNoAdapter, err)
	}

	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("%w: start discovery: %v", ErrNoAdapter, err)
	}

	rules := []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged'",
		"type='signal',interface='" + objMgrIface + "',member='InterfacesAdded'",
	}
	for _, rule := range rules {
		if err := w.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("add match rule: %w", err)
		}
	}

	w.conn.Signal(w.signals)

	return nil
}

// Stop ends the discovery session.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopRequested = true
	w.mu.Unlock()

	obj := w.conn.Object(bluezService, adapterPath)
	if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}
	return nil
}

// Observations streams advertisement events.
func (w *Watcher) Observations() <-chan Observation { return w.obs }

// Stopped signals an unexpected end of discovery.
func (w *Watcher) Stopped() <-chan struct{} { return w.stopped }

// Close tears down the bus connection. Stop errors are ignored: the adapter
// may already be gone.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.stopRequested = true
	w.mu.Unlock()

	obj := w.conn.Object(bluezService, adapterPath)
	obj.Call(adapterIface+".StopDiscovery", 0)
	return w.conn.Close()
}

// pump translates raw D-Bus signals into Observations. A malformed signal
// must never take the scan down, so each one is handled under a recover.
func (w *Watcher) pump() {
	for sig := range w.signals {
		w.handleSignal(sig)
	}
}

func (w *Watcher) handleSignal(sig *dbus.Signal) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("advertisement handler panic", "err", r)
		}
	}()

	switch sig.Name {
	case propsIface + ".PropertiesChanged":
		w.handlePropertiesChanged(sig)
	case objMgrIface + ".InterfacesAdded":
		w.handleInterfacesAdded(sig)
	}
}

func (w *Watcher) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changes, _ := sig.Body[1].(map[string]dbus.Variant)

	switch iface {
	case adapterIface:
		// Discovery halting without a Stop request triggers the restart path.
		if v, ok := changes["Discovering"]; ok {
			if on, ok := v.Value().(bool); ok && !on {
				w.mu.Lock()
				requested := w.stopRequested
				w.mu.Unlock()
				if !requested {
					select {
					case w.stopped <- struct{}{}:
					default:
					}
				}
			}
		}
	case deviceIface:
		addr := addressFromPath(sig.Path)
		if addr == "" {
			return
		}
		w.emit(addr, changes)
	}
}

func (w *Watcher) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return
	}
	addr := addressFromPath(path)
	if addr == "" {
		if v, ok := props["Address"]; ok {
			addr, _ = v.Value().(string)
		}
		if addr == "" {
			return
		}
	}
	w.emit(addr, props)
}

// emit builds an Observation from changed device properties. RSSI arrives in
// separate signals from the manufacturer data, so the last seen value per
// address is cached.
func (w *Watcher) emit(addr string, props map[string]dbus.Variant) {
	ob := Observation{
		Address: addr,
		Frames:  make(map[uint16][]byte),
		Time:    time.Now(),
	}

	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			ob.RSSI = int(rssi)
			ob.HasRSSI = true
			w.mu.Lock()
			w.rssiByAddr[addr] = ob.RSSI
			w.mu.Unlock()
		}
	}
	if !ob.HasRSSI {
		w.mu.Lock()
		if rssi, ok := w.rssiByAddr[addr]; ok {
			ob.RSSI = rssi
			ob.HasRSSI = true
		}
		w.mu.Unlock()
	}

	v, ok := props["ManufacturerData"]
	if !ok {
		return
	}
	mfg, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return
	}
	for company, data := range mfg {
		if frame, ok := data.Value().([]byte); ok {
			ob.Frames[company] = append([]byte(nil), frame...)
		}
	}
	if len(ob.Frames) == 0 {
		return
	}

	select {
	case w.obs <- ob:
	default:
		// A stalled consumer drops the oldest style of data there is: a
		// snapshot that is about to be superseded anyway.
	}
}

// addressFromPath recovers the device address from a BlueZ object path such
// as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	addr := strings.ReplaceAll(s[idx+len("/dev_"):], "_", ":")
	if len(addr) != 17 {
		return ""
	}
	return strings.ToUpper(addr)
}
