package grbl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		line     string
		expected Message
	}{
		{"ok", &ResponseMessage{Message: "ok"}},
		{"error:20\r\n", &ResponseMessage{Message: "error:20"}},
		{"ALARM:2", &AlarmPushMessage{Message: "ALARM:2"}},
		{"$130=200.000", &SettingPushMessage{Message: "$130=200.000", Key: "130", Value: "200.000"}},
		{"[MSG:Caution: Unlocked]", &FeedbackPushMessage{Message: "[MSG:Caution: Unlocked]"}},
		{"[HLP:$$ $# $G $I $N $x=val $Nx=line $J=line $C $X $H ~ ! ? ctrl-x]", &HelpPushMessage{Message: "[HLP:$$ $# $G $I $N $x=val $Nx=line $J=line $C $X $H ~ ! ? ctrl-x]"}},
		{"[echo:G1X10]", &EchoPushMessage{Message: "[echo:G1X10]"}},
		{">G54:ok", &StartupLineExecutionPushMessage{Message: ">G54:ok"}},
		{"", &EmptyPushMessage{}},
		{"[axes]", &ConfigSectionPushMessage{Message: "[axes]", Name: "axes"}},
		{"  max_travel_mm: 300.000", &ConfigSettingPushMessage{Message: "  max_travel_mm: 300.000", Indent: 2, Key: "max_travel_mm", Value: "300.000"}},
		{"Some debug output!", &UnstructuredMessage{Message: "Some debug output!"}},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%#v", tc.line), func(t *testing.T) {
			message := ParseLine(tc.line)
			require.Equal(t, tc.expected, message)
			require.NoError(t, Diagnostic(message))
		})
	}
}

func TestParseLineMessageType(t *testing.T) {
	require.Equal(t, MessageTypeResponse, ParseLine("ok").Type())
	require.Equal(t, MessageTypeResponse, ParseLine("error:9").Type())
	require.Equal(t, MessageTypePush, ParseLine("<Idle|MPos:0,0,0>").Type())
	require.Equal(t, MessageTypePush, ParseLine("garbage").Type())
}

func TestParseLineWelcome(t *testing.T) {
	testCases := []struct {
		line     string
		firmware Firmware
		version  string
		capacity int
	}{
		{"Grbl 1.1h ['$' for help]", FirmwareGrbl, "1.1h", 127},
		{"GrblHAL 1.1f ['$' or '$HELP' for help]", FirmwareGrblHAL, "1.1f", 1023},
		{"Grbl 3.7 [FluidNC v3.7.8 (wifi) '$' for help]", FirmwareFluidNC, "3.7", 1023},
	}
	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			message := ParseLine(tc.line)
			welcome, ok := message.(*WelcomePushMessage)
			require.True(t, ok)
			require.Equal(t, tc.firmware, welcome.Firmware)
			require.Equal(t, tc.version, welcome.Version)
			require.Equal(t, tc.capacity, welcome.Firmware.DefaultBufferCapacity())
		})
	}
}

func TestParseLineStatusReport(t *testing.T) {
	line := "<Run|MPos:10.000,20.000,-5.000|FS:500,12000|Ov:100,100,100>"
	message := ParseLine(line)
	require.NoError(t, Diagnostic(message))

	report, ok := message.(*StatusReportPushMessage)
	require.True(t, ok)
	require.Equal(t, line, report.String())
	require.Equal(t, StateRun, report.MachineState.State)
	require.Nil(t, report.MachineState.SubState)
	require.Equal(t, &Coordinates{X: 10, Y: 20, Z: -5}, report.MachinePosition)
	require.Nil(t, report.WorkPosition)
	require.Equal(t, &FeedSpindle{Feed: 500, Speed: 12000}, report.FeedSpindle)
	require.Equal(t, &OverrideValues{Feed: 100, Rapids: 100, Spindle: 100}, report.OverrideValues)
	require.False(t, report.OverrideValues.HasOverride())
}

func TestParseLineStatusReportAllFields(t *testing.T) {
	message := ParseLine("<Hold:1|WPos:1.5,-2,0.25,90|Bf:15,128|Ln:42|F:300|WCO:0,0,-10|Pn:XZPq|Ov:120,50,100|A:SFM>")
	require.NoError(t, Diagnostic(message))
	report := message.(*StatusReportPushMessage)

	require.Equal(t, StateHold, report.MachineState.State)
	require.NotNil(t, report.MachineState.SubState)
	require.Equal(t, "in-progress", report.MachineState.SubStateString())
	a := 90.0
	require.Equal(t, &Coordinates{X: 1.5, Y: -2, Z: 0.25, A: &a}, report.WorkPosition)
	require.Equal(t, &BufferState{AvailableBlocks: 15, AvailableBytes: 128}, report.BufferState)
	require.Equal(t, 42, *report.LineNumber)
	require.Equal(t, 300.0, *report.Feed)
	require.Equal(t, &Coordinates{Z: -10}, report.WorkCoordinateOffset)
	require.Equal(t, &PinState{XLimit: true, ZLimit: true, Probe: true, Other: "q"}, report.PinState)
	require.Equal(t, "XZPq", report.PinState.String())
	require.True(t, report.OverrideValues.HasOverride())
	require.Equal(t, &AccessoryState{SpindleCW: true, FloodCoolant: true, MistCoolant: true}, report.AccessoryState)
}

func TestParseLineStatusReportMalformedField(t *testing.T) {
	message := ParseLine("<Idle|MPos:1,2,abc|FS:0,0>")
	report, ok := message.(*StatusReportPushMessage)
	require.True(t, ok)
	require.Equal(t, StateIdle, report.MachineState.State)
	require.Nil(t, report.MachinePosition)
	require.Equal(t, &FeedSpindle{}, report.FeedSpindle)

	err := Diagnostic(message)
	require.Error(t, err)
	var parseErr *ProtocolParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "<Idle|MPos:1,2,abc|FS:0,0>", parseErr.Line)
	require.ErrorContains(t, err, "MPos")
}

func TestParseLineStatusReportUnknownState(t *testing.T) {
	message := ParseLine("<Tool|MPos:0,0,0>")
	report, ok := message.(*StatusReportPushMessage)
	require.True(t, ok)
	require.Equal(t, StateUnknown, report.MachineState.State)
	require.Equal(t, "Unknown", report.MachineState.State.String())
	require.NotNil(t, report.MachinePosition)
	require.Error(t, Diagnostic(message))
}

func TestParseLineMalformedKnownForm(t *testing.T) {
	for _, line := range []string{
		"[PRB:1,2:1]",
		"[G54:a,b,c]",
		"[OPT:V,15]",
		"$=1",
	} {
		t.Run(line, func(t *testing.T) {
			message := ParseLine(line)
			unstructured, ok := message.(*UnstructuredMessage)
			require.True(t, ok)
			require.Equal(t, line, unstructured.String())
			require.Error(t, Diagnostic(message))
		})
	}
}

func TestParseLineGcodeParameters(t *testing.T) {
	message := ParseLine("[PRB:-10.000,5.000,-1.234:1]")
	param, ok := message.(*GcodeParamPushMessage)
	require.True(t, ok)
	require.NotNil(t, param.GcodeParameters.Probe)
	require.True(t, param.GcodeParameters.Probe.Successful)
	require.Equal(t, Coordinates{X: -10, Y: 5, Z: -1.234}, param.GcodeParameters.Probe.Coordinates)

	message = ParseLine("[G55:1.000,2.000,3.000]")
	param = message.(*GcodeParamPushMessage)
	require.Equal(t, &Coordinates{X: 1, Y: 2, Z: 3}, param.GcodeParameters.CoordinateSystems["G55"])

	message = ParseLine("[TLO:0.500]")
	param = message.(*GcodeParamPushMessage)
	require.Equal(t, 0.5, *param.GcodeParameters.ToolLengthOffset)
}

func TestParseLineGcodeState(t *testing.T) {
	message := ParseLine("[GC:G1 G55 G17 G20 G91 G94 M3 M8 T2 F250. S12000.]")
	state, ok := message.(*GcodeStatePushMessage)
	require.True(t, ok)
	require.Equal(t, []string{"G55", "G20", "G91", "T2", "M3 S12000", "M8", "F250", "G1"}, state.ModalGroup.RestoreBlocks())
}

func TestParseLineVersionAndOptions(t *testing.T) {
	message := ParseLine("[VER:1.1h.20190825:my machine]")
	version, ok := message.(*VersionPushMessage)
	require.True(t, ok)
	require.Equal(t, "1.1h.20190825", version.Version)
	require.Equal(t, "my machine", version.Info)

	message = ParseLine("[VER:3.7 FluidNC v3.7.8:]")
	require.Equal(t, FirmwareFluidNC, message.(*VersionPushMessage).Firmware())

	message = ParseLine("[OPT:VNMZL,35,1024]")
	options, ok := message.(*CompileTimeOptionsPushMessage)
	require.True(t, ok)
	require.Equal(t, uint64(35), options.PlannerBlocks)
	require.Equal(t, uint64(1024), options.SerialRxBufferBytes)
	require.Equal(t, 1023, options.BufferCapacity())

	message = ParseLine("[OPT:V,15,128,3,0]")
	require.Equal(t, 127, message.(*CompileTimeOptionsPushMessage).BufferCapacity())
}

func TestResponseMessageError(t *testing.T) {
	ok := ParseLine("ok").(*ResponseMessage)
	require.True(t, ok.Ok())
	require.NoError(t, ok.Error())
	require.Equal(t, 0, ok.Code())

	rejected := ParseLine("error:22").(*ResponseMessage)
	require.False(t, rejected.Ok())
	require.Equal(t, 22, rejected.Code())
	require.ErrorContains(t, rejected.Error(), "Feed rate has not yet been set")

	extended := ParseLine("error:79").(*ResponseMessage)
	require.EqualError(t, extended.Error(), "error 79: unknown")
}

func TestAlarmPushMessage(t *testing.T) {
	alarm := ParseLine("ALARM:9").(*AlarmPushMessage)
	require.Equal(t, 9, alarm.Code())
	require.ErrorContains(t, alarm.Error(), "Homing fail")

	malformed := ParseLine("ALARM:x").(*AlarmPushMessage)
	require.Equal(t, 0, malformed.Code())
	require.Error(t, malformed.Error())
}

func TestFeedbackPushMessageText(t *testing.T) {
	feedback := ParseLine("[MSG:Reset to continue]").(*FeedbackPushMessage)
	require.Equal(t, "Reset to continue", feedback.Text())
}
