package gcode

import (
	"errors"
	"fmt"

	iFmt "github.com/fornellas/grblctl/internal/fmt"
)

// Modal Groups state.
// See https://www.linuxcnc.org/docs/2.4/html/gcode_overview.html#sec:Modal-Groups and
// https://github.com/gnea/grbl/wiki/Grbl-v1.1-Commands
//
// A nil field means the group was never set. Tool, FeedRate and SpindleSpeed are not modal
// groups, but persist across blocks the same way.
type ModalGroup struct {
	// Motion (Group 1)
	Motion *Word

	// Plane selection (Group 2)
	PlaneSelection *Word

	// Distance Mode (Group 3)
	DistanceMode *Word

	// Arc IJK Distance Mode (Group 4)
	ArcIjkDistanceMode *Word

	// Feed Rate Mode (Group 5)
	FeedRateMode *Word

	// Units (Group 6)
	Units *Word

	// Cutter Diameter Compensation (Group 7)
	CutterDiameterCompensation *Word

	// Tool Length Offset (Group 8)
	ToolLengthOffset *Block

	// Coordinate System Select (Group 12)
	CoordinateSystemSelect *Word

	// Control Mode (Group 13)
	ControlMode *Word

	// Stopping (Group 4)
	Stopping *Word

	// Spindle (Group 7)
	Spindle *Word

	// Coolant (Group 8)
	Coolant []*Word

	Tool         *float64
	FeedRate     *float64
	SpindleSpeed *float64
}

// DefaultModalGroup holds Grbl default modal group states.
// See: https://github.com/gnea/grbl/wiki/Grbl-v1.1-Commands.
var DefaultModalGroup = ModalGroup{
	Motion:                     NewWord('G', 0),
	PlaneSelection:             NewWord('G', 17),
	DistanceMode:               NewWord('G', 90),
	ArcIjkDistanceMode:         NewWord('G', 91.1),
	FeedRateMode:               NewWord('G', 94),
	Units:                      NewWord('G', 21),
	CutterDiameterCompensation: NewWord('G', 40),
	ToolLengthOffset:           NewBlockCommand(NewWord('G', 49)),
	CoordinateSystemSelect:     NewWord('G', 54),
	ControlMode:                NewWord('G', 61),
	Spindle:                    NewWord('M', 5),
	Coolant:                    []*Word{NewWord('M', 9)},
}

func (m *ModalGroup) Copy() *ModalGroup {
	nm := *m
	nm.Coolant = append([]*Word(nil), m.Coolant...)
	for _, ptr := range []**float64{&nm.Tool, &nm.FeedRate, &nm.SpindleSpeed} {
		if *ptr != nil {
			v := **ptr
			*ptr = &v
		}
	}
	return &nm
}

func (m *ModalGroup) updateCoolant(word *Word) {
	if word.NormalizedString() == "M9" {
		m.Coolant = []*Word{word}
		return
	}
	newCoolant := []*Word{}
	for _, w := range m.Coolant {
		if w.Equal(word) {
			return
		}
		if w.NormalizedString() == "M9" {
			continue
		}
		newCoolant = append(newCoolant, w)
	}
	m.Coolant = append(newCoolant, word)
}

//gocyclo:ignore
func (m *ModalGroup) UpdateFromWord(word *Word) error {
	switch word.NormalizedString() {
	case "G0", "G1", "G2", "G3", "G38.2", "G38.3", "G38.4", "G38.5", "G80":
		m.Motion = word
	case "G17", "G18", "G19":
		m.PlaneSelection = word
	case "G90", "G91":
		m.DistanceMode = word
	case "G91.1":
		m.ArcIjkDistanceMode = word
	case "G93", "G94":
		m.FeedRateMode = word
	case "G20", "G21":
		m.Units = word
	case "G40":
		m.CutterDiameterCompensation = word
	case "G43.1":
		return errors.New("can't update from word G43.1: it must be from a block with Z axis")
	case "G49":
		m.ToolLengthOffset = NewBlockCommand(word)
	case "G54", "G55", "G56", "G57", "G58", "G59":
		m.CoordinateSystemSelect = word
	case "G61":
		m.ControlMode = word
	case "M0", "M1", "M2", "M30":
		m.Stopping = word
	case "M3", "M4", "M5":
		m.Spindle = word
	case "M7", "M8", "M9":
		m.updateCoolant(word)
	}
	switch word.Letter() {
	case 'T', 'F', 'S':
		n := word.Number()
		switch word.Letter() {
		case 'T':
			m.Tool = &n
		case 'F':
			m.FeedRate = &n
		case 'S':
			m.SpindleSpeed = &n
		}
	}
	return nil
}

func (m *ModalGroup) UpdateFromBlock(block *Block) error {
	if block.IsSystem() {
		return nil
	}
	for _, word := range block.Words() {
		if word.NormalizedString() == "G43.1" {
			z, err := block.GetArgumentNumber('Z')
			if err != nil {
				return err
			}
			if z == nil {
				return fmt.Errorf("G43.1 requires Z argument")
			}
			m.ToolLengthOffset = NewBlockCommand(NewWord('G', 43.1), NewWord('Z', *z))
			continue
		}
		if err := m.UpdateFromWord(word); err != nil {
			return err
		}
	}
	return nil
}

// RestoreBlocks returns the lines that bring a freshly reset controller back to this modal state,
// for every group that was set: coordinate system, units, distance mode, tool, spindle (with
// speed), coolant, feed rate and motion mode, in that order. Motion is only restored for feed and
// arc modes: G0 is the reset default, and probing modes require axis words.
func (m *ModalGroup) RestoreBlocks() []string {
	blocks := []string{}
	for _, w := range []*Word{m.CoordinateSystemSelect, m.Units, m.DistanceMode} {
		if w != nil {
			blocks = append(blocks, w.NormalizedString())
		}
	}
	if m.Tool != nil {
		blocks = append(blocks, "T"+iFmt.SprintFloat(*m.Tool, 0))
	}
	if m.Spindle != nil {
		spindle := m.Spindle.NormalizedString()
		if spindle != "M5" && m.SpindleSpeed != nil {
			spindle += " S" + iFmt.SprintFloat(*m.SpindleSpeed, 4)
		}
		blocks = append(blocks, spindle)
	}
	for _, w := range m.Coolant {
		blocks = append(blocks, w.NormalizedString())
	}
	if m.FeedRate != nil {
		blocks = append(blocks, "F"+iFmt.SprintFloat(*m.FeedRate, 4))
	}
	if m.Motion != nil {
		switch motion := m.Motion.NormalizedString(); motion {
		case "G1", "G2", "G3":
			blocks = append(blocks, motion)
		}
	}
	return blocks
}
