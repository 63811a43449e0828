package gcode

import (
	"fmt"
	"io"
	"strings"
)

// Parser can parse Grbl flavour G-Code.
type Parser struct {
	// ModalGroup holds the state of each modal group as parsing progresses by calling Parser.Next().
	// DefaultModalGroup is used for the initial state.
	ModalGroup ModalGroup
	Lexer      *Lexer
	block      *Block
	words      []*Word
	letter     *rune
}

func NewParser(r io.Reader) *Parser {
	return &Parser{
		ModalGroup: *DefaultModalGroup.Copy(),
		Lexer:      NewLexer(r),
	}
}

func (p *Parser) handleTokenTypeEOF() (bool, error) {
	if p.letter != nil {
		return false, fmt.Errorf("line %d: unexpected word letter at end of file", p.Lexer.Line)
	}
	if p.block != nil {
		return true, nil
	}
	if len(p.words) == 0 {
		return true, nil
	}
	p.block = NewBlockCommand(p.words...)
	return true, nil
}

func (p *Parser) handleTokenTypeLetter(token *Token) (bool, error) {
	if p.letter != nil {
		return false, fmt.Errorf("line %d: unexpected word letter %q after previous letter %q", p.Lexer.Line, token, string(*p.letter))
	}
	letter := rune(token.Value[0])
	p.letter = &letter
	return false, nil
}

func (p *Parser) handleTokenTypeNumber(token *Token) (bool, error) {
	number := string(token.Value)
	if p.letter == nil {
		return false, fmt.Errorf("line %d: unexpected word number %q without preceding letter", p.Lexer.Line, string(token.Value))
	}
	word, err := NewWordParse(*p.letter, number)
	if err != nil {
		return false, fmt.Errorf("line %d: bad number: %#v: %w", p.Lexer.Line, string(token.Value), err)
	}
	p.words = append(p.words, word)
	p.letter = nil
	return false, nil
}

func (p *Parser) handleTokenTypeNewLine() (bool, error) {
	if p.letter != nil {
		return false, fmt.Errorf("line %d: unexpected word letter at end of line", p.Lexer.Line-1)
	}
	if len(p.words) > 0 || p.block != nil {
		if p.block == nil {
			p.block = NewBlockCommand(p.words...)
		} else {
			if len(p.words) > 0 {
				if !p.block.IsCommand() {
					panic(fmt.Sprintf("bug: pending words for non-command block: %#v, %#v", p.words, p.block))
				}
				p.block.AppendCommandWords(p.words...)
			}
		}
	}
	return true, nil
}

func (p *Parser) handleToken(token *Token) (bool, error) {
	switch token.Type {
	case TokenTypeEOF:
		return p.handleTokenTypeEOF()
	case TokenTypeSpace, TokenTypeComment:
		return false, nil
	case TokenTypeSystem:
		if len(p.words) > 0 || p.letter != nil {
			return false, fmt.Errorf("line %d: system command cannot follow command words", p.Lexer.Line)
		}
		p.block = NewBlockSystem(string(token.Value))
		return false, nil
	case TokenTypeWordLetter:
		return p.handleTokenTypeLetter(token)
	case TokenTypeWordNumber:
		return p.handleTokenTypeNumber(token)
	case TokenTypeNewLine:
		return p.handleTokenTypeNewLine()
	default:
		panic(fmt.Sprintf("unknown token type: %#v", token))
	}
}

// Next returns the next parsed line. The first returned bool indicates EOF: when true, parsing is
// complete. If the line contained a block, it is returned. Tokens contains all tokens for the
// parsed line.
func (p *Parser) Next() (bool, *Block, Tokens, error) {
	p.block = nil
	p.words = nil
	p.letter = nil
	var tokens Tokens
	for {
		token, err := p.Lexer.Next()
		if err != nil {
			return false, nil, nil, err
		}
		tokens = append(tokens, token)
		eol, err := p.handleToken(token)
		if err != nil {
			return false, nil, nil, err
		}
		if eol {
			if p.block != nil {
				if err := p.ModalGroup.UpdateFromBlock(p.block); err != nil {
					return false, nil, nil, err
				}
			}
			return token.Type == TokenTypeEOF, p.block, tokens, nil
		}
	}
}

// Blocks parses and returns all remaining blocks from the parser.
// It calls Next() repeatedly until all blocks are consumed or an error occurs.
// Returns a slice of all parsed blocks, or an error if parsing fails.
func (p *Parser) Blocks() ([]*Block, error) {
	blocks := []*Block{}
	for {
		eof, block, _, err := p.Next()
		if err != nil {
			return nil, err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
		if eof {
			return blocks, nil
		}
	}
}

// ParseBlock parses a single line. It returns nil for lines with only comments or spaces.
func ParseBlock(line string) (*Block, error) {
	parser := NewParser(strings.NewReader(line))
	blocks, err := parser.Blocks()
	if err != nil {
		return nil, err
	}
	switch len(blocks) {
	case 0:
		return nil, nil
	case 1:
		return blocks[0], nil
	default:
		return nil, fmt.Errorf("expected a single line, got %d blocks: %#v", len(blocks), line)
	}
}
