// Package continuity decodes Apple's proprietary Continuity battery frames.
//
// AirPods and Beats devices broadcast their battery state inside BLE
// manufacturer-data records tagged with Apple's company ID (0x004C). A frame
// whose first byte is 0x07 and whose length is at least 8 bytes is a battery
// frame. The decoder turns such a frame into a typed record with battery
// levels, charging flags, in-ear detection and lid state.
//
// The decoder is deliberately forgiving: anything that is not a battery frame
// is reported as absence (a nil result), never as an error. Unrecognized
// model IDs are surfaced as ModelUnknown with the battery fields still
// decoded, so upstream can observe coverage gaps instead of silently losing
// devices.
package continuity

const (
	// AppleCompanyID is the Bluetooth SIG company identifier for Apple.
	AppleCompanyID = 0x004C

	// frameTypeBattery is the Continuity message type carrying battery state.
	frameTypeBattery = 0x07

	// minFrameLen is the shortest payload the decoder accepts.
	minFrameLen = 8

	// nibbleUnknown is the on-wire sentinel for "battery level unavailable".
	nibbleUnknown = 0x0F
)

// Data is a decoded Continuity battery frame.
type Data struct {
	Model   Model
	ModelID uint16

	// Battery levels in percent (0-100), nil if the device did not report one.
	LeftBattery  *int
	RightBattery *int
	CaseBattery  *int

	LeftCharging  bool
	RightCharging bool
	CaseCharging  bool

	LeftInEar  bool
	RightInEar bool
	LidOpen    bool

	// BroadcastingEar is reported verbatim from the frame convention. Observed
	// devices always announce "right"; the semantics are not fully known.
	BroadcastingEar string

	// Raw holds a copy of the frame for diagnostics.
	Raw []byte
}

// BothInCase reports whether neither pod is currently worn.
func (d *Data) BothInCase() bool {
	return !d.LeftInEar && !d.RightInEar
}

// Decode parses a manufacturer-data payload delivered under companyID.
//
// It returns nil when the payload is not an Apple Continuity battery frame:
// wrong company ID, too short, or wrong message type. The company-ID prefix
// is expected to have been stripped already by the BLE stack, so offsets are
// relative to the Continuity message itself.
func Decode(companyID uint16, d []byte) *Data {
	if companyID != AppleCompanyID {
		return nil
	}
	if len(d) < minFrameLen || d[0] != frameTypeBattery {
		return nil
	}

	modelID := uint16(d[3]) | uint16(d[4])<<8

	data := &Data{
		Model:           LookupModel(modelID),
		ModelID:         modelID,
		BroadcastingEar: "right",
		Raw:             append([]byte(nil), d...),
	}

	// Byte 5: case battery in the high nibble, charging flags in bits 0-2.
	data.CaseBattery = decodeLevel((d[5] & 0xF0) >> 4)
	data.CaseCharging = d[5]&0x04 != 0
	data.LeftCharging = d[5]&0x02 != 0
	data.RightCharging = d[5]&0x01 != 0

	// Byte 6: one nibble per pod.
	data.LeftBattery = decodeLevel((d[6] & 0xF0) >> 4)
	data.RightBattery = decodeLevel(d[6] & 0x0F)

	// Byte 7: lid and in-ear flags in the low three bits.
	data.LidOpen = d[7]&0x04 != 0
	data.LeftInEar = d[7]&0x02 != 0
	data.RightInEar = d[7]&0x01 != 0

	return data
}

// decodeLevel decodes a battery nibble.
// 0x0-0x9 are 0-90% in 10% increments, 0xA-0xE saturate at 100%,
// 0xF means unavailable.
func decodeLevel(nibble byte) *int {
	switch {
	case nibble <= 0x9:
		val := int(nibble) * 10
		return &val
	case nibble < nibbleUnknown:
		val := 100
		return &val
	default:
		return nil
	}
}
