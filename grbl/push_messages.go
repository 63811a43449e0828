package grbl

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fornellas/grblctl/gcode"
)

type push struct{}

func (push) Type() MessageType {
	return MessageTypePush
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Welcome
////////////////////////////////////////////////////////////////////////////////////////////////////

var welcomePrefixes = []string{"Grbl ", "GrblHAL "}

// WelcomePushMessage is printed by the controller after every power up or soft reset.
type WelcomePushMessage struct {
	push
	Message  string
	Firmware Firmware
	Version  string
}

func NewWelcomePushMessage(message string) *WelcomePushMessage {
	m := &WelcomePushMessage{
		Message:  message,
		Firmware: DetectFirmware(message),
	}
	if fields := strings.Fields(message); len(fields) > 1 {
		m.Version = fields[1]
	}
	return m
}

func (m *WelcomePushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Alarm
////////////////////////////////////////////////////////////////////////////////////////////////////

var alarmPushMessagePrefix = "ALARM:"

var alarmCodeDescriptions = map[int]string{
	1:  "Hard limit triggered. Machine position is likely lost due to sudden and immediate halt. Re-homing is highly recommended.",
	2:  "G-code motion target exceeds machine travel. Machine position safely retained. Alarm may be unlocked.",
	3:  "Reset while in motion. Grbl cannot guarantee position. Lost steps are likely. Re-homing is highly recommended.",
	4:  "Probe fail. The probe is not in the expected initial state before starting probe cycle.",
	5:  "Probe fail. Probe did not contact the workpiece within the programmed travel for G38.2 and G38.4.",
	6:  "Homing fail. Reset during active homing cycle.",
	7:  "Homing fail. Safety door was opened during active homing cycle.",
	8:  "Homing fail. Cycle failed to clear limit switch when pulling off. Try increasing pull-off setting or check wiring.",
	9:  "Homing fail. Could not find limit switch within search distance.",
	10: "Homing fail. On dual axis machines, could not find the second limit switch for self-squaring.",
}

type AlarmPushMessage struct {
	push
	Message string
}

func (m *AlarmPushMessage) String() string {
	return m.Message
}

// Code returns the alarm number, or 0 if malformed.
func (m *AlarmPushMessage) Code() int {
	n, err := strconv.Atoi(m.Message[len(alarmPushMessagePrefix):])
	if err != nil {
		return 0
	}
	return n
}

func (m *AlarmPushMessage) Error() error {
	code := m.Code()
	if code == 0 {
		return fmt.Errorf("unable to parse alarm number (%s)", m.Message)
	}
	if description, ok := alarmCodeDescriptions[code]; ok {
		return fmt.Errorf("alarm %d: %s", code, description)
	}
	return fmt.Errorf("alarm %d: unknown", code)
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Setting
////////////////////////////////////////////////////////////////////////////////////////////////////

// SettingPushMessage is a `$N=value` line, as printed by `$$`.
type SettingPushMessage struct {
	push
	Message string
	Key     string
	Value   string
}

func NewSettingPushMessage(message string) (*SettingPushMessage, error) {
	if !strings.HasPrefix(message, "$") {
		return nil, fmt.Errorf("setting message does not start with $: %s", message)
	}
	key, value, ok := strings.Cut(message[1:], "=")
	if !ok || key == "" || strings.Contains(value, "=") {
		return nil, fmt.Errorf("setting message does not contain exactly one =: %s", message)
	}
	return &SettingPushMessage{
		Message: message,
		Key:     key,
		Value:   value,
	}, nil
}

func (m *SettingPushMessage) String() string {
	return m.Message
}

var configSettingRegexp = regexp.MustCompile(`^(\s*)([a-z_][a-z0-9_/.\-]*)\s*(:|=)\s*(.*)$`)

// ConfigSettingPushMessage is a `key: value` or `key = value` line from config-file based firmware
// such as FluidNC. Indent is the count of leading spaces, which carries the YAML nesting level. A
// key with an empty value opens a nested section.
type ConfigSettingPushMessage struct {
	push
	Message string
	Indent  int
	Key     string
	Value   string
}

func (m *ConfigSettingPushMessage) String() string {
	return m.Message
}

// ConfigSectionPushMessage is an INI style `[section]` header.
type ConfigSectionPushMessage struct {
	push
	Message string
	Name    string
}

func (m *ConfigSectionPushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Feedback
////////////////////////////////////////////////////////////////////////////////////////////////////

type FeedbackPushMessage struct {
	push
	Message string
}

func (m *FeedbackPushMessage) String() string {
	return m.Message
}

func (m *FeedbackPushMessage) Text() string {
	return strings.TrimSuffix(strings.TrimPrefix(m.Message, "[MSG:"), "]")
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// GcodeState
////////////////////////////////////////////////////////////////////////////////////////////////////

// GcodeStatePushMessage is the `$G` report of the parser modal state, including tool, feed rate
// and spindle speed.
type GcodeStatePushMessage struct {
	push
	Message    string
	ModalGroup *gcode.ModalGroup
}

func NewGcodeStatePushMessage(message string) (*GcodeStatePushMessage, error) {
	m := &GcodeStatePushMessage{
		Message:    message,
		ModalGroup: gcode.DefaultModalGroup.Copy(),
	}

	block := strings.TrimSuffix(strings.TrimPrefix(message, "[GC:"), "]")
	for _, wordStr := range strings.Fields(block) {
		word, err := gcode.NewWordFromString(wordStr)
		if err != nil {
			return nil, err
		}
		if err := m.ModalGroup.UpdateFromWord(word); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *GcodeStatePushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Help
////////////////////////////////////////////////////////////////////////////////////////////////////

type HelpPushMessage struct {
	push
	Message string
}

func (m *HelpPushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// GcodeParam
////////////////////////////////////////////////////////////////////////////////////////////////////

// Probe is the result of the last probing cycle, in machine coordinates.
type Probe struct {
	Coordinates Coordinates
	Successful  bool
}

func NewProbe(value string) (*Probe, error) {
	lastColonIdx := strings.LastIndex(value, ":")
	if lastColonIdx == -1 {
		return nil, fmt.Errorf("probe missing success flag: %#v", value)
	}

	coordinates, err := NewCoordinatesFromCSV(value[:lastColonIdx])
	if err != nil {
		return nil, fmt.Errorf("probe coordinates invalid: %#v: %w", value, err)
	}

	successStr := value[lastColonIdx+1:]
	if successStr != "0" && successStr != "1" {
		return nil, fmt.Errorf("probe success flag invalid: %#v", value)
	}

	return &Probe{
		Coordinates: *coordinates,
		Successful:  successStr == "1",
	}, nil
}

var gcodeParamTypes = map[string]bool{
	"G54": true,
	"G55": true,
	"G56": true,
	"G57": true,
	"G58": true,
	"G59": true,
	"G28": true,
	"G30": true,
	"G92": true,
	"TLO": true,
	"PRB": true,
}

// G-Code parameters, as reported by Grbl via $#.
type GcodeParameters struct {
	// Coordinate systems G54 to G59
	CoordinateSystems map[string]*Coordinates
	// Primary Pre-Defined Position (G28)
	PrimaryPreDefinedPosition *Coordinates
	// Secondary Pre-Defined Position (G30)
	SecondaryPreDefinedPosition *Coordinates
	// Coordinate Offset (G92)
	CoordinateOffset *Coordinates
	// Tool length offset (for the default z-axis)
	ToolLengthOffset *float64
	// Last probing cycle
	Probe *Probe
}

type GcodeParamPushMessage struct {
	push
	Message         string
	GcodeParameters GcodeParameters
}

//gocyclo:ignore
func NewGcodeParamPushMessage(message string) (*GcodeParamPushMessage, error) {
	m := &GcodeParamPushMessage{
		Message: message,
	}

	if !strings.HasPrefix(message, "[") || !strings.HasSuffix(message, "]") {
		return nil, fmt.Errorf("gcode param message malformed: not surrounded by []: %#v", message)
	}

	paramType, paramValue, ok := strings.Cut(message[1:len(message)-1], ":")
	if !ok {
		return nil, fmt.Errorf("gcode param message malformed: missing colon: %#v", message)
	}

	switch paramType {
	case "G54", "G55", "G56", "G57", "G58", "G59", "G28", "G30", "G92":
		coordinates, err := NewCoordinatesFromCSV(paramValue)
		if err != nil {
			return nil, fmt.Errorf("gcode param %s invalid: %#v: %w", paramType, message, err)
		}
		switch paramType {
		case "G28":
			m.GcodeParameters.PrimaryPreDefinedPosition = coordinates
		case "G30":
			m.GcodeParameters.SecondaryPreDefinedPosition = coordinates
		case "G92":
			m.GcodeParameters.CoordinateOffset = coordinates
		default:
			m.GcodeParameters.CoordinateSystems = map[string]*Coordinates{paramType: coordinates}
		}
	case "TLO":
		offset, err := strconv.ParseFloat(paramValue, 64)
		if err != nil {
			return nil, fmt.Errorf("gcode param TLO invalid: %#v: %w", message, err)
		}
		m.GcodeParameters.ToolLengthOffset = &offset
	case "PRB":
		probe, err := NewProbe(paramValue)
		if err != nil {
			return nil, fmt.Errorf("gcode param PRB invalid: %#v: %w", message, err)
		}
		m.GcodeParameters.Probe = probe
	default:
		return nil, fmt.Errorf("gcode param message unknown type: %#v", message)
	}

	return m, nil
}

func (m *GcodeParamPushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Version
////////////////////////////////////////////////////////////////////////////////////////////////////

// VersionPushMessage is the `[VER:version:info]` line printed by `$I`.
type VersionPushMessage struct {
	push
	Message string
	Version string
	Info    string
}

func NewVersionPushMessage(message string) (*VersionPushMessage, error) {
	const prefix = "[VER:"
	const suffix = "]"
	if !strings.HasSuffix(message, suffix) {
		return nil, fmt.Errorf("message does not contain suffix %#v: %#v", suffix, message)
	}
	text := strings.TrimSuffix(strings.TrimPrefix(message, prefix), suffix)
	// Info is optional and may itself contain colons.
	version, info, _ := strings.Cut(text, ":")
	if version == "" {
		return nil, fmt.Errorf("message format unknown: %#v", message)
	}
	return &VersionPushMessage{
		Message: message,
		Version: version,
		Info:    info,
	}, nil
}

func (m *VersionPushMessage) String() string {
	return m.Message
}

func (m *VersionPushMessage) Firmware() Firmware {
	return DetectFirmware(m.Version + " " + m.Info)
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// CompileTimeOptions
////////////////////////////////////////////////////////////////////////////////////////////////////

type CompileTimeOptionsPushMessage struct {
	push
	Message             string
	CompileTimeOptions  []string
	PlannerBlocks       uint64
	SerialRxBufferBytes uint64
}

var buildOptionDescription = map[rune]string{
	'V': "Variable spindle",
	'N': "Line numbers",
	'M': "Mist coolant M7",
	'C': "CoreXY",
	'P': "Parking motion",
	'Z': "Homing force origin",
	'H': "Homing single axis commands",
	'T': "Two limit switches on axis",
	'A': "Allow feed rate overrides in probe cycles",
	'D': "Use spindle direction as enable pin",
	'0': "Spindle enable off when speed is zero",
	'S': "Software limit pin debouncing",
	'R': "Parking override control",
	'+': "Safety door input pin",
	'*': "Restore all EEPROM command",
	'$': "Restore EEPROM `$` settings command",
	'#': "Restore EEPROM parameter data command",
	'I': "Build info write user string command",
	'E': "Force sync upon EEPROM write",
	'W': "Force sync upon work coordinate offset change",
	'L': "Homing initialization auto-lock",
	'2': "Dual axis motors",
}

func NewCompileTimeOptionsPushMessage(message string) (*CompileTimeOptionsPushMessage, error) {
	const prefix = "[OPT:"
	const suffix = "]"
	if !strings.HasSuffix(message, suffix) {
		return nil, fmt.Errorf("message does not contain suffix %#v: %#v", suffix, message)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(message, prefix), suffix), ",")
	// grblHAL appends extra fields after rx buffer bytes.
	if len(parts) < 3 {
		return nil, fmt.Errorf("message format unknown: %#v", message)
	}
	compileTimeOptions := []string{}
	for _, code := range parts[0] {
		opt, ok := buildOptionDescription[code]
		if !ok {
			opt = fmt.Sprintf("unknown (%c)", code)
		}
		compileTimeOptions = append(compileTimeOptions, opt)
	}
	plannerBlocks, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unable to parse planner blocks: %#v: %w", message, err)
	}
	serialRxBufferBytes, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unable to parse serial RX buffer bytes: %#v: %w", message, err)
	}
	return &CompileTimeOptionsPushMessage{
		Message:             message,
		CompileTimeOptions:  compileTimeOptions,
		PlannerBlocks:       plannerBlocks,
		SerialRxBufferBytes: serialRxBufferBytes,
	}, nil
}

func (m *CompileTimeOptionsPushMessage) String() string {
	return m.Message
}

// BufferCapacity is the usable receive buffer for character counting: one byte is kept free so the
// buffer never fills completely.
func (m *CompileTimeOptionsPushMessage) BufferCapacity() int {
	if m.SerialRxBufferBytes < 2 {
		return 0
	}
	return int(m.SerialRxBufferBytes) - 1
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// StartupLineExecution
////////////////////////////////////////////////////////////////////////////////////////////////////

type StartupLineExecutionPushMessage struct {
	push
	Message string
}

func (m *StartupLineExecutionPushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// StatusReport
////////////////////////////////////////////////////////////////////////////////////////////////////

type State string

var StateIdle State = "Idle"
var StateRun State = "Run"
var StateHold State = "Hold"
var StateJog State = "Jog"
var StateAlarm State = "Alarm"
var StateDoor State = "Door"
var StateCheck State = "Check"
var StateHome State = "Home"
var StateSleep State = "Sleep"
var StateUnknown State = ""

var knownStates = map[State]bool{
	StateIdle:  true,
	StateRun:   true,
	StateHold:  true,
	StateJog:   true,
	StateAlarm: true,
	StateDoor:  true,
	StateCheck: true,
	StateHome:  true,
	StateSleep: true,
}

func (s State) String() string {
	if s == StateUnknown {
		return "Unknown"
	}
	return string(s)
}

type MachineState struct {
	// Valid states types:  `Idle, Run, Hold, Jog, Alarm, Door, Check, Home, Sleep`
	State State
	// Current sub-states are:
	// - `Hold:0` Hold complete. Ready to resume.
	// - `Hold:1` Hold in-progress. Reset will throw an alarm.
	// - `Door:0` Door closed. Ready to resume.
	// - `Door:1` Machine stopped. Door still ajar. Can't resume until closed.
	// - `Door:2` Door opened. Hold (or parking retract) in-progress. Reset will throw an alarm.
	// - `Door:3` Door closed and resuming. Restoring from park, if applicable. Reset will throw an alarm.
	SubState *int
}

func NewMachineState(dataField string) (*MachineState, error) {
	name, subStateStr, hasSubState := strings.Cut(dataField, ":")
	state := State(name)
	if _, ok := knownStates[state]; !ok {
		return nil, fmt.Errorf("unknown machine state: %#v", dataField)
	}
	machineState := &MachineState{State: state}
	if hasSubState {
		subState, err := strconv.Atoi(subStateStr)
		if err != nil {
			return machineState, fmt.Errorf("machine state substate invalid: %#v", dataField)
		}
		machineState.SubState = &subState
	}
	return machineState, nil
}

func (m *MachineState) SubStateString() string {
	if m.SubState == nil {
		return ""
	}
	switch m.State {
	case StateHold:
		switch *m.SubState {
		case 0:
			return "complete"
		case 1:
			return "in-progress"
		}
	case StateDoor:
		switch *m.SubState {
		case 0:
			return "closed"
		case 1:
			return "ajar"
		case 2:
			return "opened"
		case 3:
			return "resuming"
		}
	}
	return fmt.Sprintf("unknown (%d)", *m.SubState)
}

type BufferState struct {
	// Number of available blocks in the planner buffer
	AvailableBlocks int
	// Number of available bytes in the serial RX buffer
	AvailableBytes int
}

func NewBufferState(dataValues []string) (*BufferState, error) {
	if len(dataValues) != 2 {
		return nil, fmt.Errorf("buffer state field malformed: %#v", dataValues)
	}
	availableBlocks, err := strconv.Atoi(dataValues[0])
	if err != nil {
		return nil, fmt.Errorf("buffer state available blocks invalid: %#v", dataValues[0])
	}
	availableBytes, err := strconv.Atoi(dataValues[1])
	if err != nil {
		return nil, fmt.Errorf("buffer state available bytes invalid: %#v", dataValues[1])
	}
	return &BufferState{
		AvailableBlocks: availableBlocks,
		AvailableBytes:  availableBytes,
	}, nil
}

// Current Feed and Speed
type FeedSpindle struct {
	Feed  float64
	Speed float64
}

func parseFloats(name string, dataValues []string, n int) ([]float64, error) {
	if len(dataValues) != n {
		return nil, fmt.Errorf("%s field malformed: %#v", name, dataValues)
	}
	values := make([]float64, n)
	for i, dataValue := range dataValues {
		var err error
		values[i], err = strconv.ParseFloat(dataValue, 64)
		if err != nil {
			return nil, fmt.Errorf("%s invalid: %#v", name, dataValue)
		}
	}
	return values, nil
}

// Input pins Grbl has detected as 'triggered'.
type PinState struct {
	XLimit     bool
	YLimit     bool
	ZLimit     bool
	ALimit     bool
	Probe      bool
	Door       bool
	Hold       bool
	SoftReset  bool
	CycleStart bool
	// Pin letters reported by firmware variants and not known here.
	Other string
}

func NewPinState(dataValues []string) (*PinState, error) {
	if len(dataValues) != 1 {
		return nil, fmt.Errorf("pin state field malformed: %#v", dataValues)
	}
	pinState := &PinState{}
	for _, pin := range dataValues[0] {
		switch pin {
		case 'X':
			pinState.XLimit = true
		case 'Y':
			pinState.YLimit = true
		case 'Z':
			pinState.ZLimit = true
		case 'A':
			pinState.ALimit = true
		case 'P':
			pinState.Probe = true
		case 'D':
			pinState.Door = true
		case 'H':
			pinState.Hold = true
		case 'R':
			pinState.SoftReset = true
		case 'S':
			pinState.CycleStart = true
		default:
			pinState.Other += string(pin)
		}
	}
	return pinState, nil
}

func (p *PinState) String() string {
	var buf bytes.Buffer
	for _, pin := range []struct {
		set    bool
		letter string
	}{
		{p.XLimit, "X"},
		{p.YLimit, "Y"},
		{p.ZLimit, "Z"},
		{p.ALimit, "A"},
		{p.Probe, "P"},
		{p.Door, "D"},
		{p.Hold, "H"},
		{p.SoftReset, "R"},
		{p.CycleStart, "S"},
	} {
		if pin.set {
			buf.WriteString(pin.letter)
		}
	}
	buf.WriteString(p.Other)
	return buf.String()
}

// Indicates current override values in percent of programmed values.
type OverrideValues struct {
	Feed    float64
	Rapids  float64
	Spindle float64
}

func (o *OverrideValues) HasOverride() bool {
	return o.Feed != 100 || o.Rapids != 100 || o.Spindle != 100
}

type AccessoryState struct {
	// indicates spindle is enabled in the CW direction. This does not appear with `C`.
	SpindleCW bool
	// indicates spindle is enabled in the CCW direction. This does not appear with `S`.
	SpindleCCW bool
	// indicates flood coolant is enabled.
	FloodCoolant bool
	// indicates mist coolant is enabled.
	MistCoolant bool
}

func NewAccessoryState(dataValues []string) (*AccessoryState, error) {
	if len(dataValues) != 1 {
		return nil, fmt.Errorf("accessory state field malformed: %#v", dataValues)
	}
	accessoryState := &AccessoryState{}
	for _, accessory := range dataValues[0] {
		switch accessory {
		case 'S':
			accessoryState.SpindleCW = true
		case 'C':
			accessoryState.SpindleCCW = true
		case 'F':
			accessoryState.FloodCoolant = true
		case 'M':
			accessoryState.MistCoolant = true
		}
	}
	return accessoryState, nil
}

// StatusReportPushMessage is the `<...>` reply to the `?` real time command. Optional fields are
// nil when not reported, or when they failed to parse; Diagnostic tells the two apart.
type StatusReportPushMessage struct {
	push
	Message              string
	MachineState         MachineState
	MachinePosition      *Coordinates
	WorkPosition         *Coordinates
	WorkCoordinateOffset *Coordinates
	BufferState          *BufferState
	LineNumber           *int
	Feed                 *float64
	FeedSpindle          *FeedSpindle
	PinState             *PinState
	OverrideValues       *OverrideValues
	AccessoryState       *AccessoryState
	Err                  *ProtocolParseError
}

//gocyclo:ignore
func (m *StatusReportPushMessage) setField(dataType string, dataValues []string) error {
	var err error
	switch dataType {
	case "MPos":
		m.MachinePosition, err = NewCoordinatesFromStrValues(dataValues)
	case "WPos":
		m.WorkPosition, err = NewCoordinatesFromStrValues(dataValues)
	case "WCO":
		m.WorkCoordinateOffset, err = NewCoordinatesFromStrValues(dataValues)
	case "Bf":
		m.BufferState, err = NewBufferState(dataValues)
	case "Ln":
		var values []float64
		if values, err = parseFloats("line number", dataValues, 1); err == nil {
			lineNumber := int(values[0])
			m.LineNumber = &lineNumber
		}
	case "F":
		var values []float64
		if values, err = parseFloats("feed", dataValues, 1); err == nil {
			m.Feed = &values[0]
		}
	case "FS":
		var values []float64
		if values, err = parseFloats("feed spindle", dataValues, 2); err == nil {
			m.FeedSpindle = &FeedSpindle{Feed: values[0], Speed: values[1]}
		}
	case "Pn":
		m.PinState, err = NewPinState(dataValues)
	case "Ov":
		var values []float64
		if values, err = parseFloats("override values", dataValues, 3); err == nil {
			m.OverrideValues = &OverrideValues{Feed: values[0], Rapids: values[1], Spindle: values[2]}
		}
	case "A":
		m.AccessoryState, err = NewAccessoryState(dataValues)
	}
	return err
}

func NewStatusReportPushMessage(message string) (*StatusReportPushMessage, error) {
	if !strings.HasPrefix(message, "<") || !strings.HasSuffix(message, ">") {
		return nil, fmt.Errorf("status report message not enclosed by <>: %#v", message)
	}

	dataFields := strings.Split(message[1:len(message)-1], "|")

	m := &StatusReportPushMessage{
		Message: message,
	}
	errs := []error{}

	machineState, err := NewMachineState(dataFields[0])
	if err != nil {
		errs = append(errs, err)
	}
	if machineState != nil {
		m.MachineState = *machineState
	}

	for _, dataField := range dataFields[1:] {
		dataType, value, ok := strings.Cut(dataField, ":")
		if !ok {
			errs = append(errs, fmt.Errorf("malformed data field: %#v", dataField))
			continue
		}
		if err := m.setField(dataType, strings.Split(value, ",")); err != nil {
			errs = append(errs, fmt.Errorf("failed to parse %s: %w", dataType, err))
		}
	}

	if len(errs) > 0 {
		m.Err = &ProtocolParseError{Line: message, Err: errors.Join(errs...)}
	}

	return m, nil
}

func (m *StatusReportPushMessage) String() string {
	return m.Message
}

func (m *StatusReportPushMessage) diagnostic() *ProtocolParseError {
	return m.Err
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Echo
////////////////////////////////////////////////////////////////////////////////////////////////////

type EchoPushMessage struct {
	push
	Message string
}

func (m *EchoPushMessage) String() string {
	return m.Message
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// Empty
////////////////////////////////////////////////////////////////////////////////////////////////////

type EmptyPushMessage struct {
	push
}

func (m *EmptyPushMessage) String() string {
	return "(empty)"
}

////////////////////////////////////////////////////////////////////////////////////////////////////
// New
////////////////////////////////////////////////////////////////////////////////////////////////////

type PushMessage interface {
	Message
}

func isConfigSection(message string) bool {
	if !strings.HasPrefix(message, "[") || !strings.HasSuffix(message, "]") || len(message) < 3 {
		return false
	}
	return !strings.ContainsAny(message[1:len(message)-1], ":[]")
}

//gocyclo:ignore
func NewPushMessage(message string) (PushMessage, error) {
	for _, prefix := range welcomePrefixes {
		if strings.HasPrefix(message, prefix) {
			return NewWelcomePushMessage(message), nil
		}
	}
	if strings.HasPrefix(message, alarmPushMessagePrefix) {
		return &AlarmPushMessage{Message: message}, nil
	}
	if strings.HasPrefix(message, "$") {
		return NewSettingPushMessage(message)
	}
	if strings.HasPrefix(message, "[MSG:") {
		return &FeedbackPushMessage{Message: message}, nil
	}
	if strings.HasPrefix(message, "[GC:") {
		return NewGcodeStatePushMessage(message)
	}
	if strings.HasPrefix(message, "[HLP:") {
		return &HelpPushMessage{Message: message}, nil
	}
	if strings.HasPrefix(message, "[") {
		if paramType, _, ok := strings.Cut(message[1:], ":"); ok && gcodeParamTypes[paramType] {
			return NewGcodeParamPushMessage(message)
		}
	}
	if strings.HasPrefix(message, "[VER:") {
		return NewVersionPushMessage(message)
	}
	if strings.HasPrefix(message, "[OPT:") {
		return NewCompileTimeOptionsPushMessage(message)
	}
	if strings.HasPrefix(message, "[echo:") {
		return &EchoPushMessage{Message: message}, nil
	}
	if isConfigSection(message) {
		return &ConfigSectionPushMessage{Message: message, Name: message[1 : len(message)-1]}, nil
	}
	if strings.HasPrefix(message, ">") {
		return &StartupLineExecutionPushMessage{Message: message}, nil
	}
	if strings.HasPrefix(message, "<") {
		return NewStatusReportPushMessage(message)
	}
	if len(strings.TrimSpace(message)) == 0 {
		return &EmptyPushMessage{}, nil
	}
	if matches := configSettingRegexp.FindStringSubmatch(message); matches != nil {
		return &ConfigSettingPushMessage{
			Message: message,
			Indent:  len(matches[1]),
			Key:     matches[2],
			Value:   strings.TrimSpace(matches[4]),
		}, nil
	}
	return nil, ErrInvalidMessage
}
