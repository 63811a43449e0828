package gcode

import (
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestLexer(t *testing.T) {
	programs := map[string]string{
		"motion":              "G21 G90\nG0 X10 Y-2.5\nG1 Z-1 F300\n",
		"comments":            "(header)\nG0 X1 ; rapid\n%\nM5 (spindle off)\n",
		"tabs and crlf":       "G1\tX1\r\nG1\tY2\r\n",
		"system":              "$H\n$J=G91 X1 F100\n$$\n",
		"system and comments": " $H ; homing\r\n$J=G91 X1 F100 (jog)\n$X;\n",
		"no trailing newline": "G0 X0 Y0",
	}

	for name, program := range programs {
		t.Run(name, func(t *testing.T) {
			var buf strings.Builder
			lx := NewLexer(strings.NewReader(program))
			for {
				token, err := lx.Next()
				require.NoError(t, err)
				if token.Type == TokenTypeEOF {
					break
				}
				buf.WriteString(token.Value)
			}
			require.Equal(t, program, buf.String())
		})
	}
}

func TestLexerSystemEndsAtComment(t *testing.T) {
	lx := NewLexer(strings.NewReader("$J=G91 X1 F100 \t(jog) ; more\n$H;\n"))
	tokens := []string{}
	for {
		token, err := lx.Next()
		require.NoError(t, err)
		if token.Type == TokenTypeEOF {
			break
		}
		tokens = append(tokens, token.Type.String()+":"+token.Value)
	}
	require.Equal(t, []string{
		"System:$J=G91 X1 F100",
		"Space: \t",
		"Comment:(jog)",
		"Space: ",
		"Comment:; more",
		"NewLine:\n",
		"System:$H",
		"Comment:;",
		"NewLine:\n",
	}, tokens)
	require.Equal(t, uint(2), lx.Line)
}

func TestLexerNumberAcrossReads(t *testing.T) {
	lx := NewLexer(iotest.OneByteReader(strings.NewReader("X-12.5\n")))
	values := []string{}
	for {
		token, err := lx.Next()
		require.NoError(t, err)
		if token.Type == TokenTypeEOF {
			break
		}
		values = append(values, token.Value)
	}
	require.Equal(t, []string{"X", "-12.5", "\n"}, values)
}
