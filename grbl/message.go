package grbl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidMessage = errors.New("invalid message")

type MessageType int

const (
	// Message sent back from Grbl in response to a block being sent.
	MessageTypeResponse MessageType = iota
	// Message pushed back from Grbl either asynchronously or in response to a block.
	MessageTypePush
)

// Message represents a message received from Grbl.
type Message interface {
	Type() MessageType
	String() string
}

// ProtocolParseError describes a line, or a fragment of it, that could not be parsed. The line is
// still classified, with the offending parts left out.
type ProtocolParseError struct {
	Line string
	Err  error
}

func (e *ProtocolParseError) Error() string {
	return fmt.Sprintf("grbl: malformed message %#v: %s", e.Line, e.Err)
}

func (e *ProtocolParseError) Unwrap() error {
	return e.Err
}

type diagnosable interface {
	diagnostic() *ProtocolParseError
}

// Diagnostic returns the parse problems found while classifying the message, or nil.
func Diagnostic(message Message) error {
	d, ok := message.(diagnosable)
	if !ok {
		return nil
	}
	if err := d.diagnostic(); err != nil {
		return err
	}
	return nil
}

// UnstructuredMessage is any line that is not part of the known protocol, such as debug output.
// When a known message form failed to parse, Err holds why.
type UnstructuredMessage struct {
	Message string
	Err     *ProtocolParseError
}

func (m *UnstructuredMessage) Type() MessageType {
	return MessageTypePush
}

func (m *UnstructuredMessage) String() string {
	return m.Message
}

func (m *UnstructuredMessage) diagnostic() *ProtocolParseError {
	return m.Err
}

// ParseLine classifies a single line received from Grbl. It never fails: lines that are not
// recognized, or that fail to parse, are returned as *UnstructuredMessage.
func ParseLine(line string) Message {
	line = strings.TrimRight(line, "\r\n")

	if responseMessage, err := NewResponseMessage(line); err == nil {
		return responseMessage
	}

	pushMessage, err := NewPushMessage(line)
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			return &UnstructuredMessage{Message: line}
		}
		return &UnstructuredMessage{
			Message: line,
			Err:     &ProtocolParseError{Line: line, Err: err},
		}
	}
	return pushMessage
}
