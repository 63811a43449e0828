package gcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// TokenType classifies what the Lexer read.
type TokenType int

const (
	TokenTypeEOF TokenType = iota
	TokenTypeSpace
	TokenTypeComment
	TokenTypeSystem
	TokenTypeWordLetter
	TokenTypeWordNumber
	TokenTypeNewLine
)

var tokenTypeNames = [...]string{
	TokenTypeEOF:        "EOF",
	TokenTypeSpace:      "Space",
	TokenTypeComment:    "Comment",
	TokenTypeSystem:     "System",
	TokenTypeWordLetter: "WordLetter",
	TokenTypeWordNumber: "WordNumber",
	TokenTypeNewLine:    "NewLine",
}

func (tt TokenType) String() string {
	if tt >= 0 && int(tt) < len(tokenTypeNames) {
		return tokenTypeNames[tt]
	}
	panic(fmt.Sprintf("unexpected TokenType: %d", tt))
}

type Token struct {
	Value string
	Type  TokenType
}

// Lexer splits a program into tokens. Concatenating the values of all tokens gives back the
// input. A System token stops before a trailing comment and the blanks leading to it.
type Lexer struct {
	// Line is the count of new lines consumed so far.
	Line    uint
	scanner *bufio.Scanner
}

// NewLexer creates a new Lexer.
func NewLexer(rd io.Reader) *Lexer {
	scanner := bufio.NewScanner(rd)
	scanner.Split(split)
	return &Lexer{scanner: scanner}
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// classify tells the type of the token starting with c.
func classify(c byte) (TokenType, bool) {
	switch {
	case isBlank(c):
		return TokenTypeSpace, true
	// '%' delimits programs and is ignored by senders.
	case c == '(' || c == ';' || c == '%':
		return TokenTypeComment, true
	case c == '$':
		return TokenTypeSystem, true
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return TokenTypeWordLetter, true
	case c == '-' || c == '+' || isDigit(c):
		return TokenTypeWordNumber, true
	case c == '\n' || c == '\r':
		return TokenTypeNewLine, true
	}
	return TokenTypeEOF, false
}

// more is returned by scanners that need more data to find where the token ends.
const more = -1

// scanner returns the length of the token at the start of data.
type scanner func(data []byte, atEOF bool) (int, error)

var scanners = map[TokenType]scanner{
	TokenTypeSpace:      scanSpace,
	TokenTypeComment:    scanComment,
	TokenTypeSystem:     scanSystem,
	TokenTypeWordLetter: func([]byte, bool) (int, error) { return 1, nil },
	TokenTypeWordNumber: scanNumber,
	TokenTypeNewLine:    scanNewLine,
}

// lineEnd is the offset of the line terminator, a CR LF pair counting from its CR.
func lineEnd(data []byte, atEOF bool) int {
	i := bytes.IndexByte(data, '\n')
	switch {
	case i > 0 && data[i-1] == '\r':
		return i - 1
	case i >= 0:
		return i
	case atEOF:
		return len(data)
	}
	return more
}

func scanSpace(data []byte, atEOF bool) (int, error) {
	for i, c := range data {
		if !isBlank(c) {
			return i, nil
		}
	}
	if atEOF {
		return len(data), nil
	}
	return more, nil
}

func scanComment(data []byte, atEOF bool) (int, error) {
	if data[0] != '(' {
		return lineEnd(data, atEOF), nil
	}
	i := bytes.IndexAny(data, ")\n")
	switch {
	case i >= 0 && data[i] == ')':
		return i + 1, nil
	case i >= 0:
		return 0, errors.New("end of line reached without closing parenthesis")
	case atEOF:
		return 0, errors.New("end of file reached without closing parenthesis")
	}
	return more, nil
}

// scanSystem takes the rest of the line up to a comment. Blanks inside are kept, as $J= needs
// them to reach the controller unchanged.
func scanSystem(data []byte, atEOF bool) (int, error) {
	end := lineEnd(data, atEOF)
	if end == more {
		return more, nil
	}
	if i := bytes.IndexAny(data[:end], ";("); i >= 0 {
		end = i
	}
	for end > 1 && isBlank(data[end-1]) {
		end--
	}
	return end, nil
}

func scanNumber(data []byte, atEOF bool) (int, error) {
	i := 0
	if data[0] == '-' || data[0] == '+' {
		i++
	}
	digits := 0
	point := false
	for ; i < len(data); i++ {
		c := data[i]
		if isDigit(c) {
			digits++
		} else if c == '.' && !point {
			point = true
		} else {
			break
		}
	}
	if i == len(data) && !atEOF {
		return more, nil
	}
	if digits == 0 {
		return 0, fmt.Errorf("invalid number: %s", data[:i])
	}
	return i, nil
}

func scanNewLine(data []byte, atEOF bool) (int, error) {
	if data[0] == '\n' {
		return 1, nil
	}
	switch {
	case len(data) > 1 && data[1] == '\n':
		return 2, nil
	case len(data) > 1:
		return 0, errors.New("unexpected char: CR without LF")
	case atEOF:
		return 0, errors.New("CR before EOF")
	}
	return more, nil
}

func split(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	tokenType, ok := classify(data[0])
	if !ok {
		return 0, nil, fmt.Errorf("unexpected char: %q", data[0])
	}
	n, err := scanners[tokenType](data, atEOF)
	if err != nil || n == more {
		return 0, nil, err
	}
	return n, data[:n], nil
}

func (lx *Lexer) Next() (*Token, error) {
	if !lx.scanner.Scan() {
		if err := lx.scanner.Err(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lx.Line, err)
		}
		return &Token{Type: TokenTypeEOF}, nil
	}

	value := lx.scanner.Text()
	tokenType, ok := classify(value[0])
	if !ok {
		panic(fmt.Sprintf("bug: unexpected value at line %d: %q", lx.Line, value))
	}
	if tokenType == TokenTypeNewLine {
		lx.Line++
	}
	return &Token{Value: value, Type: tokenType}, nil
}

type Tokens []*Token

func (ts Tokens) String() string {
	var buf strings.Builder
	for _, t := range ts {
		buf.WriteString(t.Value)
	}
	return buf.String()
}
