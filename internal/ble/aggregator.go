package ble

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"podwatch/internal/continuity"
	"podwatch/internal/scanreport"
)

// aggregator de-duplicates observations per address within one scan window,
// keeping the newest frame for each device. The watcher pump goroutine is
// the only writer; probe timers read the counter concurrently.
type aggregator struct {
	mu      sync.Mutex
	devices map[string]*entry
}

type entry struct {
	address  string
	rssi     int
	hasRSSI  bool
	lastSeen time.Time
	frame    []byte
	decoded  *continuity.Data
}

func newAggregator() *aggregator {
	return &aggregator{devices: make(map[string]*entry)}
}

// observe records one advertisement. Only observations carrying an Apple
// manufacturer record are kept; the decoded battery payload may still be
// absent when the frame is a different Continuity message type.
func (a *aggregator) observe(ob Observation) {
	frame, ok := ob.AppleFrame()
	if !ok {
		return
	}

	addr := scanreport.CanonicalAddress(ob.Address)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.devices[addr]
	if !ok {
		e = &entry{address: addr}
		a.devices[addr] = e
	}
	e.lastSeen = ob.Time
	e.frame = frame
	e.decoded = continuity.Decode(continuity.AppleCompanyID, frame)
	if ob.HasRSSI {
		e.rssi = ob.RSSI
		e.hasRSSI = true
	}
}

// airpodsCount reports how many devices currently carry a decoded battery
// payload. Early-exit probes poll this.
func (a *aggregator) airpodsCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, e := range a.devices {
		if e.decoded != nil {
			n++
		}
	}
	return n
}

// snapshot renders the aggregated window as report devices, sorted by
// address for stable output.
func (a *aggregator) snapshot() []scanreport.Device {
	a.mu.Lock()
	defer a.mu.Unlock()

	devices := make([]scanreport.Device, 0, len(a.devices))
	for _, e := range a.devices {
		devices = append(devices, scanreport.Device{
			DeviceID:            scanreport.DeviceID(e.address),
			Address:             e.address,
			RSSI:                e.rssi,
			LastSeen:            e.lastSeen.Unix(),
			ManufacturerDataHex: hex.EncodeToString(e.frame),
			AirPods:             toReportData(e.decoded),
		})
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices
}

func toReportData(d *continuity.Data) *scanreport.AirPodsData {
	if d == nil {
		return nil
	}
	return &scanreport.AirPodsData{
		Model:           d.Model.String(),
		ModelID:         continuity.FormatModelID(d.ModelID),
		LeftBattery:     levelOrSentinel(d.LeftBattery),
		RightBattery:    levelOrSentinel(d.RightBattery),
		CaseBattery:     levelOrSentinel(d.CaseBattery),
		LeftCharging:    d.LeftCharging,
		RightCharging:   d.RightCharging,
		CaseCharging:    d.CaseCharging,
		LeftInEar:       d.LeftInEar,
		RightInEar:      d.RightInEar,
		BothInCase:      d.BothInCase(),
		LidOpen:         d.LidOpen,
		BroadcastingEar: d.BroadcastingEar,
	}
}

func levelOrSentinel(level *int) int {
	if level == nil {
		return scanreport.LevelUnavailable
	}
	return *level
}
