// Package merge joins one scan report with one OS pairing snapshot into the
// canonical per-address device view the rest of podwatch operates on.
//
// The pairing list contributes identity (display name, connection state);
// the scanner contributes telemetry (battery, charging, in-ear state).
// Devices that are neither a recognized Apple audio model nor named like one
// are dropped, but counted, so coverage gaps stay observable.
package merge

import (
	"sort"
	"time"

	"podwatch/internal/bluez"
	"podwatch/internal/continuity"
	"podwatch/internal/scanreport"
)

// SourceFlag records where a merged device's data came from.
type SourceFlag uint8

const (
	SourcePaired SourceFlag = 1 << iota
	SourceScanner
)

// ConnectionState orders devices for the UI: connected first.
type ConnectionState int

const (
	// StateKnown: paired but not currently connected.
	StateKnown ConnectionState = iota
	// StateStale: considered connected, but battery telemetry has been
	// missing for several scan windows.
	StateStale
	// StateConnected: connected with live telemetry.
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	default:
		return "known"
	}
}

// Battery holds optional per-component levels in percent.
type Battery struct {
	Left  *int
	Right *int
	Case  *int
}

// Charging holds per-component charging flags.
type Charging struct {
	Left  bool
	Right bool
	Case  bool
}

// EarState holds wear and lid detection.
type EarState struct {
	LeftInEar  bool
	RightInEar bool
	LidOpen    bool
}

// Device is the merged per-address record.
type Device struct {
	Address     string
	DisplayName string
	State       ConnectionState
	Model       continuity.Model
	Battery     *Battery
	Charging    *Charging
	Ears        *EarState
	RSSI        int
	LastSeen    time.Time
	Sources     SourceFlag
}

// Result is the merge output plus drop telemetry.
type Result struct {
	Devices []Device
	// Dropped counts entries filtered as non-supported devices.
	Dropped int
}

// Merge joins a scan report with a pairing snapshot. Both inputs are
// read-only; merging the same pair twice yields the same result.
func Merge(report *scanreport.Report, paired []bluez.PairedDevice) Result {
	byAddr := make(map[string]*Device)
	order := make([]string, 0, len(paired))

	for _, p := range paired {
		addr := scanreport.CanonicalAddress(p.Address)
		state := StateKnown
		if p.Connected {
			state = StateConnected
		}
		byAddr[addr] = &Device{
			Address:     addr,
			DisplayName: p.Name,
			State:       state,
			Sources:     SourcePaired,
		}
		order = append(order, addr)
	}

	if report != nil {
		for i := range report.Devices {
			sd := &report.Devices[i]
			if sd.AirPods == nil {
				continue
			}
			addr := scanreport.CanonicalAddress(sd.Address)

			d, ok := byAddr[addr]
			if !ok {
				d = &Device{Address: addr}
				byAddr[addr] = d
				order = append(order, addr)
			}

			applyScanData(d, sd)
		}
	}

	result := Result{Devices: make([]Device, 0, len(order))}
	for _, addr := range order {
		d := byAddr[addr]
		if !supported(d) {
			result.Dropped++
			continue
		}
		if d.DisplayName == "" {
			d.DisplayName = d.Model.String()
		}
		result.Devices = append(result.Devices, *d)
	}

	sort.SliceStable(result.Devices, func(i, j int) bool {
		a, b := result.Devices[i], result.Devices[j]
		if a.State != b.State {
			return a.State > b.State
		}
		return a.DisplayName < b.DisplayName
	})

	return result
}

// applyScanData copies telemetry from a discovered device. Battery fields
// always come from the scanner; the model is only overwritten when the
// record had none or an unknown one.
func applyScanData(d *Device, sd *scanreport.Device) {
	ap := sd.AirPods

	d.Sources |= SourceScanner
	d.State = StateConnected
	d.RSSI = sd.RSSI
	if sd.LastSeen > 0 {
		d.LastSeen = time.Unix(sd.LastSeen, 0)
	}

	if !d.Model.Known() {
		d.Model = continuity.ParseModelName(ap.Model)
	}

	d.Battery = &Battery{
		Left:  optLevel(ap.LeftBattery),
		Right: optLevel(ap.RightBattery),
		Case:  optLevel(ap.CaseBattery),
	}
	d.Charging = &Charging{
		Left:  ap.LeftCharging,
		Right: ap.RightCharging,
		Case:  ap.CaseCharging,
	}
	d.Ears = &EarState{
		LeftInEar:  ap.LeftInEar,
		RightInEar: ap.RightInEar,
		LidOpen:    ap.LidOpen,
	}
}

// supported keeps devices with a recognized model, or whose paired name
// looks like an Apple audio product.
func supported(d *Device) bool {
	if d.Model.Known() {
		return true
	}
	return d.Sources&SourcePaired != 0 && matchesAppleAudioName(d.DisplayName)
}

func optLevel(raw int) *int {
	if v, ok := scanreport.Level(raw); ok {
		return &v
	}
	return nil
}
