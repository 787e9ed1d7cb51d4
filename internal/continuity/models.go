package continuity

import "fmt"

// Model identifies an Apple audio product family.
type Model uint8

const (
	ModelUnknown Model = iota
	ModelAirPods1
	ModelAirPods2
	ModelAirPods3
	ModelAirPodsPro
	ModelAirPodsPro2
	ModelAirPodsPro2UsbC
	ModelAirPodsMax
	ModelPowerbeats3
	ModelBeatsX
	ModelBeatsSolo3
	ModelBeatsStudio3
	ModelPowerbeatsPro
	ModelBeatsSoloPro
	ModelBeatsFlex
	ModelBeatsStudioBuds
	ModelBeatsFitPro
	ModelBeatsStudioBudsPlus
	ModelBeatsStudioPro
)

// modelIDs maps the little-endian 16-bit model ID at frame offsets 3-4 to a
// Model. Lookup is a plain map access; the table is fixed at compile time.
var modelIDs = map[uint16]Model{
	0x2002: ModelAirPods1,
	0x200F: ModelAirPods2,
	0x2013: ModelAirPods3,
	0x200E: ModelAirPodsPro,
	0x2014: ModelAirPodsPro2,
	0x2024: ModelAirPodsPro2UsbC,
	0x200A: ModelAirPodsMax,
	0x2003: ModelPowerbeats3,
	0x2005: ModelBeatsX,
	0x2006: ModelBeatsSolo3,
	0x2009: ModelBeatsStudio3,
	0x200B: ModelPowerbeatsPro,
	0x200C: ModelBeatsSoloPro,
	0x2010: ModelBeatsFlex,
	0x2011: ModelBeatsStudioBuds,
	0x2012: ModelBeatsFitPro,
	0x2016: ModelBeatsStudioBudsPlus,
	0x2017: ModelBeatsStudioPro,
}

// modelNames holds the human-readable product names.
var modelNames = map[Model]string{
	ModelAirPods1:            "AirPods 1",
	ModelAirPods2:            "AirPods 2",
	ModelAirPods3:            "AirPods 3",
	ModelAirPodsPro:          "AirPods Pro",
	ModelAirPodsPro2:         "AirPods Pro 2",
	ModelAirPodsPro2UsbC:     "AirPods Pro 2 (USB-C)",
	ModelAirPodsMax:          "AirPods Max",
	ModelPowerbeats3:         "Powerbeats 3",
	ModelBeatsX:              "Beats X",
	ModelBeatsSolo3:          "Beats Solo 3",
	ModelBeatsStudio3:        "Beats Studio 3",
	ModelPowerbeatsPro:       "Powerbeats Pro",
	ModelBeatsSoloPro:        "Beats Solo Pro",
	ModelBeatsFlex:           "Beats Flex",
	ModelBeatsStudioBuds:     "Beats Studio Buds",
	ModelBeatsFitPro:         "Beats Fit Pro",
	ModelBeatsStudioBudsPlus: "Beats Studio Buds+",
	ModelBeatsStudioPro:      "Beats Studio Pro",
}

// LookupModel resolves a 16-bit model ID to a Model. Unknown IDs return
// ModelUnknown; callers are expected to keep the record anyway.
func LookupModel(id uint16) Model {
	if m, ok := modelIDs[id]; ok {
		return m
	}
	return ModelUnknown
}

// ParseModelName resolves a product name back to a Model. Used when the only
// identity available is a display string, e.g. from a scan report.
func ParseModelName(name string) Model {
	for m, n := range modelNames {
		if n == name {
			return m
		}
	}
	return ModelUnknown
}

// Known reports whether the model is part of the supported product set.
func (m Model) Known() bool {
	return m != ModelUnknown
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return "Unknown"
}

// FormatModelID renders a model ID the way scan reports carry it, e.g. "0x2014".
func FormatModelID(id uint16) string {
	return fmt.Sprintf("0x%04X", id)
}
