package execution

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fornellas/grblctl/gcode"
)

// Line is a program line ready to be sent.
type Line struct {
	// Number is the line number in the source, starting at 1.
	Number int
	// Text is what is sent: the block without spaces and comments, or the trimmed source line
	// when it could not be parsed.
	Text  string
	block *gcode.Block
}

// IsEEPROM tells whether the line writes to the controller non volatile memory, which stalls
// the controller while writing.
func (l Line) IsEEPROM() bool {
	return l.block != nil && l.block.IsEEPROM()
}

// Program is a normalized program: comments, blank lines and `%` delimiters removed.
type Program []Line

// NewProgram normalizes source lines. Lines the parser rejects are kept verbatim, so the
// controller has the final word on them.
func NewProgram(source []string) Program {
	program := Program{}
	for i, sourceLine := range source {
		trimmed := strings.TrimSpace(sourceLine)
		if trimmed == "" {
			continue
		}
		block, err := gcode.ParseBlock(trimmed)
		if err != nil {
			program = append(program, Line{Number: i + 1, Text: trimmed})
			continue
		}
		if block == nil || block.Empty() {
			continue
		}
		program = append(program, Line{Number: i + 1, Text: block.String(), block: block})
	}
	return program
}

// ReadProgram reads and normalizes a program.
func ReadProgram(r io.Reader) (Program, error) {
	source := []string{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		source = append(source, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("execution: read program: %w", err)
	}
	return NewProgram(source), nil
}

// ModalAt returns the modal state in effect before the line at index runs, replaying every
// previous line. Groups never set by the program are left nil.
func (p Program) ModalAt(index int) (*gcode.ModalGroup, error) {
	modal := &gcode.ModalGroup{}
	for _, line := range p[:min(max(index, 0), len(p))] {
		if line.block == nil {
			continue
		}
		if err := modal.UpdateFromBlock(line.block); err != nil {
			return nil, fmt.Errorf("execution: line %d: %w", line.Number, err)
		}
	}
	return modal, nil
}
