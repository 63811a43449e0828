package grbl

import (
	"errors"
	"fmt"
)

var ErrNotRealTimeCommand = errors.New("not a real time command")

// RealTimeCommand is a single byte command that Grbl picks from the serial stream as soon as it is
// received, without going through the receive buffer or emitting a response.
type RealTimeCommand byte

const (
	RealTimeCommandSoftReset                                          RealTimeCommand = 0x18
	RealTimeCommandStatusReportQuery                                  RealTimeCommand = '?'
	RealTimeCommandCycleStartResume                                   RealTimeCommand = '~'
	RealTimeCommandFeedHold                                           RealTimeCommand = '!'
	RealTimeCommandSafetyDoor                                         RealTimeCommand = 0x84
	RealTimeCommandJogCancel                                          RealTimeCommand = 0x85
	RealTimeCommandFeedOverrideSet100OfProgrammedRate                 RealTimeCommand = 0x90
	RealTimeCommandFeedOverrideIncrease10                             RealTimeCommand = 0x91
	RealTimeCommandFeedOverrideDecrease10                             RealTimeCommand = 0x92
	RealTimeCommandFeedOverrideIncrease1                              RealTimeCommand = 0x93
	RealTimeCommandFeedOverrideDecrease1                              RealTimeCommand = 0x94
	RealTimeCommandRapidOverrideSetTo100FullRapidRate                 RealTimeCommand = 0x95
	RealTimeCommandRapidOverrideSetTo50OfRapidRate                    RealTimeCommand = 0x96
	RealTimeCommandRapidOverrideSetTo25OfRapidRate                    RealTimeCommand = 0x97
	RealTimeCommandSpindleSpeedOverrideSet100OfProgrammedSpindleSpeed RealTimeCommand = 0x99
	RealTimeCommandSpindleSpeedOverrideIncrease10                     RealTimeCommand = 0x9A
	RealTimeCommandSpindleSpeedOverrideDecrease10                     RealTimeCommand = 0x9B
	RealTimeCommandSpindleSpeedOverrideIncrease1                      RealTimeCommand = 0x9C
	RealTimeCommandSpindleSpeedOverrideDecrease1                      RealTimeCommand = 0x9D
	RealTimeCommandToggleSpindleStop                                  RealTimeCommand = 0x9E
	RealTimeCommandToggleFloodCoolant                                 RealTimeCommand = 0xA0
	RealTimeCommandToggleMistCoolant                                  RealTimeCommand = 0xA1
)

var realTimeCommandStringsMap = map[RealTimeCommand]string{
	RealTimeCommandSoftReset:                                          "Soft-Reset",
	RealTimeCommandStatusReportQuery:                                  "Status Report Query",
	RealTimeCommandCycleStartResume:                                   "Cycle Start / Resume",
	RealTimeCommandFeedHold:                                           "Feed Hold",
	RealTimeCommandSafetyDoor:                                         "Safety Door",
	RealTimeCommandJogCancel:                                          "Jog Cancel",
	RealTimeCommandFeedOverrideSet100OfProgrammedRate:                 "Feed Override: Set 100% of programmed rate.",
	RealTimeCommandFeedOverrideIncrease10:                             "Feed Override: Increase 10%",
	RealTimeCommandFeedOverrideDecrease10:                             "Feed Override: Decrease 10%",
	RealTimeCommandFeedOverrideIncrease1:                              "Feed Override: Increase 1%",
	RealTimeCommandFeedOverrideDecrease1:                              "Feed Override: Decrease 1%",
	RealTimeCommandRapidOverrideSetTo100FullRapidRate:                 "Rapid Override: Set to 100% full rapid rate.",
	RealTimeCommandRapidOverrideSetTo50OfRapidRate:                    "Rapid Override: Set to 50% of rapid rate.",
	RealTimeCommandRapidOverrideSetTo25OfRapidRate:                    "Rapid Override: Set to 25% of rapid rate.",
	RealTimeCommandSpindleSpeedOverrideSet100OfProgrammedSpindleSpeed: "Spindle Speed Override: Set 100% of programmed spindle speed",
	RealTimeCommandSpindleSpeedOverrideIncrease10:                     "Spindle Speed Override: Increase 10%",
	RealTimeCommandSpindleSpeedOverrideDecrease10:                     "Spindle Speed Override: Decrease 10%",
	RealTimeCommandSpindleSpeedOverrideIncrease1:                      "Spindle Speed Override: Increase 1%",
	RealTimeCommandSpindleSpeedOverrideDecrease1:                      "Spindle Speed Override: Decrease 1%",
	RealTimeCommandToggleSpindleStop:                                  "Toggle Spindle Stop",
	RealTimeCommandToggleFloodCoolant:                                 "Toggle Flood Coolant",
	RealTimeCommandToggleMistCoolant:                                  "Toggle Mist Coolant",
}

func NewRealTimeCommand(b byte) (RealTimeCommand, error) {
	rtc := RealTimeCommand(b)
	if _, ok := realTimeCommandStringsMap[rtc]; ok {
		return rtc, nil
	}
	return 0, ErrNotRealTimeCommand
}

// ContainsRealTimeCommand returns true if any byte of command would be picked by Grbl as a real
// time command. Such text must never go through the line buffer.
func ContainsRealTimeCommand(command string) bool {
	for i := 0; i < len(command); i++ {
		if _, err := NewRealTimeCommand(command[i]); err == nil {
			return true
		}
	}
	return false
}

func (c RealTimeCommand) String() string {
	if str, ok := realTimeCommandStringsMap[c]; ok {
		return str
	}
	return fmt.Sprintf("Unknown (%#v)", c)
}
