package continuity

import (
	"fmt"
	"strings"
)

// String renders the decoded frame for diagnostics and debug tooling.
func (d *Data) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s)\n", d.Model, FormatModelID(d.ModelID))
	fmt.Fprintf(&b, "  Left:  %s\n", podString(d.LeftBattery, d.LeftCharging, d.LeftInEar))
	fmt.Fprintf(&b, "  Right: %s\n", podString(d.RightBattery, d.RightCharging, d.RightInEar))
	fmt.Fprintf(&b, "  Case:  %s\n", podString(d.CaseBattery, d.CaseCharging, false))

	if d.LidOpen {
		b.WriteString("  Lid:   Open")
	} else {
		b.WriteString("  Lid:   Closed")
	}

	return b.String()
}

func podString(level *int, charging, inEar bool) string {
	if level == nil {
		return "--"
	}
	s := fmt.Sprintf("%d%%", *level)
	if charging {
		s += " (Charging)"
	}
	if inEar {
		s += " [In Ear]"
	}
	return s
}
