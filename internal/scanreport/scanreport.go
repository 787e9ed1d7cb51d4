// Package scanreport defines the JSON document the scanner binary prints on
// stdout and the host parses back. Both sides of the subprocess boundary
// import this package so the schema cannot drift.
package scanreport

import (
	"strings"
)

// Version is the scanner's semantic version, embedded in every report.
const Version = "1.2.0"

// Report status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// LevelUnavailable is the sentinel for a battery level the device did not
// report. JSON carries -1 because the schema uses plain integers.
const LevelUnavailable = -1

// Report is the top-level scan result document.
type Report struct {
	ScannerVersion string   `json:"scanner_version"`
	ScanTimestamp  int64    `json:"scan_timestamp"`
	TotalDevices   int      `json:"total_devices"`
	Devices        []Device `json:"devices"`
	AirPodsCount   int      `json:"airpods_count"`
	Status         string   `json:"status"`
	Note           string   `json:"note,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Device is one unique address observed during the scan window.
type Device struct {
	DeviceID            string       `json:"device_id"`
	Address             string       `json:"address"`
	RSSI                int          `json:"rssi"`
	LastSeen            int64        `json:"last_seen,omitempty"`
	ManufacturerDataHex string       `json:"manufacturer_data_hex"`
	AirPods             *AirPodsData `json:"airpods_data"`
}

// AirPodsData is the decoded Continuity battery payload for one device.
type AirPodsData struct {
	Model           string `json:"model"`
	ModelID         string `json:"model_id"`
	LeftBattery     int    `json:"left_battery"`
	RightBattery    int    `json:"right_battery"`
	CaseBattery     int    `json:"case_battery"`
	LeftCharging    bool   `json:"left_charging"`
	RightCharging   bool   `json:"right_charging"`
	CaseCharging    bool   `json:"case_charging"`
	LeftInEar       bool   `json:"left_in_ear"`
	RightInEar      bool   `json:"right_in_ear"`
	BothInCase      bool   `json:"both_in_case"`
	LidOpen         bool   `json:"lid_open"`
	BroadcastingEar string `json:"broadcasting_ear"`
}

// Level returns a battery field as a validated optional value. Negative
// values (the unavailable sentinel) and values above 100 map to absence.
func Level(raw int) (int, bool) {
	if raw < 0 || raw > 100 {
		return 0, false
	}
	return raw, true
}

// CanonicalAddress normalizes a device address to six uppercase hex bytes
// separated by colons. Accepts both "AA:BB:CC:DD:EE:FF" and bare 12-hex
// forms; anything else is returned uppercased as-is.
func CanonicalAddress(addr string) string {
	s := strings.ToUpper(strings.ReplaceAll(addr, ":", ""))
	if len(s) != 12 {
		return strings.ToUpper(addr)
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}

// DeviceID derives the 12-hex lowercase identifier used in scan reports.
func DeviceID(addr string) string {
	return strings.ToLower(strings.ReplaceAll(CanonicalAddress(addr), ":", ""))
}

// ErrorReport builds the failure-shaped document described by the scanner
// contract: status "error", no devices, and a message.
func ErrorReport(ts int64, msg string) *Report {
	return &Report{
		ScannerVersion: Version,
		ScanTimestamp:  ts,
		Devices:        []Device{},
		Status:         StatusError,
		Error:          msg,
	}
}
