package gcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Word may either give a command or provide an argument to a command.
type Word struct {
	letter rune
	number float64
	// The original string that declared this word. This is used to avoid parsing / serializing
	// upper/lowercase letters or float point representation differences, for consistency on output.
	originalStr *string
}

// NewWord creates a Word from given letter and number.
// letter must be capitalised, or it'll panic.
func NewWord(letter rune, number float64) *Word {
	if letter < 'A' || letter > 'Z' {
		panic(fmt.Sprintf("bug: attempting to create word with letter not between A-Z: %c", letter))
	}
	return &Word{letter: letter, number: number}
}

// NewWordParse creates a Word from given letter and a raw number string.
func NewWordParse(letter rune, number string) (*Word, error) {
	parsedNumber, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return nil, err
	}
	normalizeLetter := unicode.ToUpper(letter)
	if normalizeLetter < 'A' || normalizeLetter > 'Z' {
		return nil, fmt.Errorf("invalid word letter: %q", letter)
	}
	originalStr := string(letter) + number
	return &Word{letter: normalizeLetter, number: parsedNumber, originalStr: &originalStr}, nil
}

// NewWordFromString parses a single word such as "G54" or "s1200".
func NewWordFromString(word string) (*Word, error) {
	if len(word) < 2 {
		return nil, fmt.Errorf("invalid word: %#v", word)
	}
	return NewWordParse(rune(word[0]), word[1:])
}

func (w *Word) Letter() rune {
	return w.letter
}

func (w *Word) Number() float64 {
	return w.number
}

func (w *Word) Equal(ow *Word) bool {
	return w.NormalizedString() == ow.NormalizedString()
}

// String gives the representation of the word. It returns the exact original string when the
// word was parsed, thus preserving letter casing and float point representation.
func (w *Word) String() string {
	if w.originalStr != nil {
		return *w.originalStr
	}
	return w.NormalizedString()
}

// NormalizedString is similar to String(), but always return a consistent representation using
// uppercase letters, single point float precision for commands and 4 points precision for arguments.
func (w *Word) NormalizedString() string {
	if w.IsCommand() {
		if _, frac := math.Modf(w.number); frac == 0 {
			return fmt.Sprintf("%c%.0f", w.letter, w.number)
		}
		return fmt.Sprintf("%c%.1f", w.letter, w.number)
	}
	return fmt.Sprintf("%c%.4f", w.letter, w.number)
}

// IsCommand returns true if the word is a command (letter G or M).
func (w *Word) IsCommand() bool {
	return w.letter == 'G' || w.letter == 'M'
}

// Block is a line which may include commands to do several different things.
type Block struct {
	system *string
	words  []*Word
}

func NewBlockSystem(system string) *Block {
	return &Block{system: &system}
}

func NewBlockCommand(words ...*Word) *Block {
	return &Block{words: words}
}

func (b *Block) IsSystem() bool {
	return b.system != nil
}

func (b *Block) IsCommand() bool {
	return len(b.words) > 0
}

func (b *Block) AppendCommandWords(words ...*Word) {
	if b.IsSystem() {
		panic("bug: attempting to add word to a system block")
	}
	b.words = append(b.words, words...)
}

// String returns the block without spaces or comments, with each word as originally written.
func (b *Block) String() string {
	var buff strings.Builder
	if b.system != nil {
		buff.WriteString(*b.system)
	}
	for _, w := range b.words {
		buff.WriteString(w.String())
	}
	return buff.String()
}

// NormalizedString returns the block with normalized words separated by spaces.
func (b *Block) NormalizedString() string {
	if b.system != nil {
		return *b.system
	}
	words := make([]string, len(b.words))
	for i, w := range b.words {
		words[i] = w.NormalizedString()
	}
	return strings.Join(words, " ")
}

// Words returns all words in the block.
func (b *Block) Words() []*Word {
	return b.words
}

// Commands returns all G/M words in the block.
func (b *Block) Commands() []*Word {
	var cmds []*Word
	for _, w := range b.words {
		if w.IsCommand() {
			cmds = append(cmds, w)
		}
	}
	return cmds
}

// Arguments returns all non-command words in the block.
func (b *Block) Arguments() []*Word {
	var args []*Word
	for _, w := range b.words {
		if !w.IsCommand() {
			args = append(args, w)
		}
	}
	return args
}

func (b *Block) GetArgumentNumber(letter rune) (*float64, error) {
	var number *float64
	for _, w := range b.Arguments() {
		if w.Letter() == letter {
			if number != nil {
				return nil, fmt.Errorf("%s: multiple arguments for letter %c", b, letter)
			}
			n := w.Number()
			number = &n
		}
	}
	return number, nil
}

// HasCommand returns true if the block has the given command, eg: "G10".
func (b *Block) HasCommand(command string) bool {
	for _, w := range b.Commands() {
		if w.NormalizedString() == command {
			return true
		}
	}
	return false
}

// IsEEPROM returns true when the block reads or writes Grbl's EEPROM. Grbl disables serial
// interrupts while writing, so these can't be streamed with character counting.
func (b *Block) IsEEPROM() bool {
	if b.IsSystem() {
		system := *b.system
		// $N=value setting writes, $N0= / $N1= startup blocks, $I= build info, $RST=
		return strings.Contains(system, "=") && !strings.HasPrefix(system, "$J=")
	}
	for _, w := range b.Commands() {
		switch w.NormalizedString() {
		case "G28.1", "G30.1":
			return true
		case "G10":
			l, err := b.GetArgumentNumber('L')
			if err != nil || l == nil || *l == 2 || *l == 20 {
				return true
			}
		}
	}
	return false
}

// Empty returns true if no system or command is defined.
func (b *Block) Empty() bool {
	return b.system == nil && len(b.words) == 0
}
