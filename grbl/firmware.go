package grbl

import "strings"

// Firmware identifies the controller firmware family.
type Firmware string

var FirmwareUnknown Firmware = ""
var FirmwareGrbl Firmware = "Grbl"
var FirmwareGrblHAL Firmware = "grblHAL"
var FirmwareFluidNC Firmware = "FluidNC"

// Receive buffer capacity assumed when the firmware does not report it.
const (
	LegacyBufferCapacity = 127
	HALBufferCapacity    = 1023
)

// DetectFirmware guesses the firmware family from the welcome banner or from `[VER:]` text.
func DetectFirmware(text string) Firmware {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "fluidnc"):
		return FirmwareFluidNC
	case strings.Contains(lower, "grblhal"):
		return FirmwareGrblHAL
	case strings.Contains(lower, "grbl"):
		return FirmwareGrbl
	}
	return FirmwareUnknown
}

// DefaultBufferCapacity returns the receive buffer budget to use until `[OPT:]` reports the exact
// value.
func (f Firmware) DefaultBufferCapacity() int {
	switch f {
	case FirmwareGrblHAL, FirmwareFluidNC:
		return HALBufferCapacity
	}
	return LegacyBufferCapacity
}

func (f Firmware) String() string {
	if f == FirmwareUnknown {
		return "Unknown"
	}
	return string(f)
}
