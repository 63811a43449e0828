package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBlock(t *testing.T) {
	block, err := ParseBlock("g1 x10.5 y-2 f600 ; cut")
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, "G1 X10.5000 Y-2.0000 F600.0000", block.NormalizedString())
	require.Equal(t, "g1x10.5y-2f600", block.String())

	block, err = ParseBlock("(only a comment)")
	require.NoError(t, err)
	require.Nil(t, block)

	block, err = ParseBlock("")
	require.NoError(t, err)
	require.Nil(t, block)

	block, err = ParseBlock(" $H ; homing")
	require.NoError(t, err)
	require.True(t, block.IsSystem())
	require.Equal(t, "$H", block.String())

	block, err = ParseBlock("$J=G91 X1 F100 (jog)")
	require.NoError(t, err)
	require.Equal(t, "$J=G91 X1 F100", block.String())

	_, err = ParseBlock("G1 X1.2.3")
	require.Error(t, err)

	_, err = ParseBlock("G0\nG1")
	require.ErrorContains(t, err, "expected a single line")
}

func TestParserNext(t *testing.T) {
	program := strings.Join([]string{
		"%",
		"(setup)",
		"G21 G90 ; metric, absolute",
		"$H",
		"G0X10Y20Z5",
		"",
		"G2 X10 Y10 I5 J5",
		"M3 S1000 (spindle)",
		"$J=G91 X1 F100",
		"G4 P0.5",
	}, "\n")
	expected := []string{
		"",
		"",
		"G21 G90",
		"$H",
		"G0 X10.0000 Y20.0000 Z5.0000",
		"",
		"G2 X10.0000 Y10.0000 I5.0000 J5.0000",
		"M3 S1000.0000",
		"$J=G91 X1 F100",
		"G4 P0.5000",
	}

	lines := strings.Split(program, "\n")
	parser := NewParser(strings.NewReader(program))
	for i, normalized := range expected {
		eof, block, tokens, err := parser.Next()
		require.NoError(t, err, lines[i])
		require.Equal(t, i == len(expected)-1, eof, lines[i])
		if normalized == "" {
			require.Nil(t, block, lines[i])
		} else {
			require.NotNil(t, block, lines[i])
			require.Equal(t, normalized, block.NormalizedString())
		}
		nl := "\n"
		if eof {
			nl = ""
		}
		require.Equal(t, lines[i]+nl, tokens.String())
	}

	require.Equal(t, "M3", parser.ModalGroup.Spindle.NormalizedString())
	require.Equal(t, "G2", parser.ModalGroup.Motion.NormalizedString())
}

func TestParserErrors(t *testing.T) {
	for line, errorContains := range map[string]string{
		"G1 X":      "unexpected word letter at end",
		"G1 X\nG0":  "unexpected word letter at end of line",
		"G1 10":     "unexpected word number",
		"G1 XY1":    "after previous letter",
		"G1 X-":     "invalid number",
		"G1 X1.2.3": "unexpected char",
		"G0 $$":     "system command cannot follow command words",
		"G0 #":      "unexpected char",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := NewParser(strings.NewReader(line)).Blocks()
			require.ErrorContains(t, err, errorContains)
		})
	}
}

func TestParserBlocks(t *testing.T) {
	testCases := []struct {
		name     string
		gcode    string
		expected []string
	}{
		{"system without newline", " $H ; homing", []string{"$H"}},
		{"system with newline", "$H\n", []string{"$H"}},
		{"mixed", "G0 X10\n$H", []string{"G0 X10.0000", "$H"}},
		{"crlf", "G0 X1\r\nG1 Y2 F10\r\n", []string{"G0 X1.0000", "G1 Y2.0000 F10.0000"}},
		{"only comments", "(a)\n; b\n", []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blocks, err := NewParser(strings.NewReader(tc.gcode)).Blocks()
			require.NoError(t, err)
			normalized := make([]string, len(blocks))
			for i, block := range blocks {
				normalized[i] = block.NormalizedString()
			}
			require.Equal(t, tc.expected, normalized)
		})
	}
}
