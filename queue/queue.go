// Package queue streams lines to the controller using character counting flow control: the sum of
// the bytes of every unacknowledged line never exceeds the controller receive buffer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
)

var (
	ErrCommandRejected     = errors.New("queue: command rejected")
	ErrConfirmationTimeout = errors.New("queue: confirmation timeout")
	ErrFlushed             = errors.New("queue: command flushed")
	ErrInvalidCommand      = errors.New("queue: invalid command")
)

// RejectedError is the error of a command answered with `error:N`.
type RejectedError struct {
	Command string
	Code    int
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("queue: %#v rejected: %s", e.Command, e.Err)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Sender writes bytes to the controller.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

type ConfirmationState int

const (
	ConfirmationPending ConfirmationState = iota
	ConfirmationAcknowledged
	ConfirmationRejected
)

var confirmationStateNames = map[ConfirmationState]string{
	ConfirmationPending:      "Pending",
	ConfirmationAcknowledged: "Acknowledged",
	ConfirmationRejected:     "Rejected",
}

func (s ConfirmationState) String() string {
	if name, ok := confirmationStateNames[s]; ok {
		return name
	}
	panic(fmt.Sprintf("bug: unknown confirmation state: %d", s))
}

// Command is a line going through the queue.
type Command struct {
	Text        string
	Tag         string
	SubmittedAt time.Time

	mu     sync.Mutex
	state  ConfirmationState
	err    error
	sent   chan struct{}
	done   chan struct{}
	onSent sync.Once
}

func newCommand(text, tag string) *Command {
	return &Command{
		Text:        text,
		Tag:         tag,
		SubmittedAt: time.Now(),
		sent:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Len is the number of bytes the command takes in the receive buffer, including the line feed.
func (c *Command) Len() int {
	return len(c.Text) + 1
}

// Sent is closed once the command is written, or dropped without being written.
func (c *Command) Sent() <-chan struct{} {
	return c.sent
}

// Done is closed once the command is acknowledged, rejected or dropped.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

func (c *Command) State() ConfirmationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is nil while pending and after an `ok`.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Command) markSent() {
	c.onSent.Do(func() { close(c.sent) })
}

func (c *Command) finish(state ConfirmationState, err error) {
	c.mu.Lock()
	c.state = state
	c.err = err
	c.mu.Unlock()
	c.markSent()
	close(c.done)
}

// Wait blocks until the command is done or ctx is done. Giving up waiting does not remove an
// already written command: its acknowledgement is still accounted for when it arrives.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is safe for concurrent use. Sending, accounting and acknowledgement happen under one lock.
type Queue struct {
	sender Sender

	mu            sync.Mutex
	capacity      int
	pending       []*Command
	inFlight      []*Command
	inFlightBytes int
	changed       chan struct{}
}

func NewQueue(sender Sender, capacity int) *Queue {
	return &Queue{
		sender:   sender,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes everyone waiting for a queue change.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) SetCapacity(ctx context.Context, capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
	q.pumpLocked(ctx)
}

func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Unacknowledged returns the bytes written and not yet acknowledged.
func (q *Queue) Unacknowledged() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlightBytes
}

// InFlight returns the count of written commands awaiting acknowledgement.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Pending returns the count of commands not yet written.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) validateLocked(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("%w: multiple lines: %#v", ErrInvalidCommand, text)
	}
	if grbl.ContainsRealTimeCommand(text) {
		return fmt.Errorf("%w: contains a real time command character: %#v", ErrInvalidCommand, text)
	}
	if len(text)+1 > q.capacity {
		return fmt.Errorf("%w: %d bytes exceed the %d bytes receive buffer: %#v", ErrInvalidCommand, len(text)+1, q.capacity, text)
	}
	return nil
}

// pumpLocked writes pending commands while they fit in the receive buffer.
func (q *Queue) pumpLocked(ctx context.Context) {
	logger := log.MustLogger(ctx)
	for len(q.pending) > 0 {
		command := q.pending[0]
		if q.inFlightBytes+command.Len() > q.capacity {
			return
		}
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if err := q.sender.Send(ctx, []byte(command.Text+"\n")); err != nil {
			logger.Warn("Send failed, flushing queue", "command", command.Text, "err", err)
			command.finish(ConfirmationRejected, err)
			q.flushPendingLocked(err)
			return
		}
		q.inFlight = append(q.inFlight, command)
		q.inFlightBytes += command.Len()
		command.markSent()
		q.notifyLocked()
	}
}

// Enqueue adds a command and returns immediately.
func (q *Queue) Enqueue(ctx context.Context, text, tag string) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.validateLocked(text); err != nil {
		return nil, err
	}
	command := newCommand(text, tag)
	q.pending = append(q.pending, command)
	q.notifyLocked()
	q.pumpLocked(ctx)
	return command, nil
}

// Submit adds a command and blocks until it is written, so callers streaming many lines are held
// back by flow control.
func (q *Queue) Submit(ctx context.Context, text, tag string) (*Command, error) {
	command, err := q.Enqueue(ctx, text, tag)
	if err != nil {
		return nil, err
	}
	select {
	case <-command.Sent():
		return command, nil
	case <-ctx.Done():
		q.remove(command, ctx.Err())
		return command, ctx.Err()
	}
}

// remove drops command if it was not written yet.
func (q *Queue) remove(command *Command, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.pending {
		if c == command {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			command.finish(ConfirmationRejected, fmt.Errorf("%w: %w", ErrFlushed, err))
			q.notifyLocked()
			return true
		}
	}
	return false
}

// SendWithConfirmation adds a command and waits for its acknowledgement. It returns a
// *RejectedError on `error:N`, and ErrConfirmationTimeout when timeout expires first. A timed out
// command that was not written yet is dropped.
func (q *Queue) SendWithConfirmation(ctx context.Context, text, tag string, timeout time.Duration) error {
	command, err := q.Enqueue(ctx, text, tag)
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-command.Done():
		return command.Err()
	case <-timer.C:
		err := fmt.Errorf("%w: %#v after %s", ErrConfirmationTimeout, text, timeout)
		q.remove(command, err)
		return err
	case <-ctx.Done():
		q.remove(command, ctx.Err())
		return ctx.Err()
	}
}

// Acknowledge pops the oldest written command and resolves it with response. It returns the
// popped command, or nil for an acknowledgement nothing was waiting for.
func (q *Queue) Acknowledge(ctx context.Context, response *grbl.ResponseMessage) *Command {
	logger := log.MustLogger(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inFlight) == 0 {
		logger.Warn("Acknowledgement without command in flight", "response", response.String())
		return nil
	}
	command := q.inFlight[0]
	q.inFlight[0] = nil
	q.inFlight = q.inFlight[1:]
	q.inFlightBytes -= command.Len()
	if q.inFlightBytes < 0 {
		panic(fmt.Sprintf("bug: negative in flight bytes: %d", q.inFlightBytes))
	}

	if err := response.Error(); err != nil {
		command.finish(ConfirmationRejected, &RejectedError{
			Command: command.Text,
			Code:    response.Code(),
			Err:     err,
		})
	} else {
		command.finish(ConfirmationAcknowledged, nil)
	}
	q.notifyLocked()
	q.pumpLocked(ctx)
	return command
}

func (q *Queue) flushPendingLocked(err error) int {
	flushErr := ErrFlushed
	if err != nil {
		flushErr = fmt.Errorf("%w: %w", ErrFlushed, err)
	}
	n := len(q.pending)
	for _, command := range q.pending {
		command.finish(ConfirmationRejected, flushErr)
	}
	q.pending = nil
	q.notifyLocked()
	return n
}

// FlushPending drops every command not yet written, and returns how many were dropped. Written
// commands keep waiting for their acknowledgement.
func (q *Queue) FlushPending(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushPendingLocked(err)
}

// Reset drops every command, including the ones in flight, and clears the buffer accounting. It
// is for when the controller receive buffer was cleared: soft reset, power cycle or disconnection.
func (q *Queue) Reset(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushPendingLocked(err)
	flushErr := ErrFlushed
	if err != nil {
		flushErr = fmt.Errorf("%w: %w", ErrFlushed, err)
	}
	for _, command := range q.inFlight {
		command.finish(ConfirmationRejected, flushErr)
	}
	q.inFlight = nil
	q.inFlightBytes = 0
	q.notifyLocked()
}

// Drain waits until every command was acknowledged.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		empty := len(q.pending) == 0 && len(q.inFlight) == 0
		changed := q.changed
		q.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendRealtime writes a real time command right away, bypassing the queue and its accounting.
func (q *Queue) SendRealtime(ctx context.Context, command grbl.RealTimeCommand) error {
	logger := log.MustLogger(ctx)
	logger.Debug("Real time command", "command", command.String())
	return q.sender.Send(ctx, []byte{byte(command)})
}

// ConfirmationTimeout returns how long to wait for the acknowledgement of a move of distance
// millimeters at feed mm/min: twice the expected duration, but never under a floor of 5, 10 or 15
// seconds for short, medium and long moves. A non positive feed is taken as a rapid.
func ConfirmationTimeout(distance, feed float64) time.Duration {
	if distance < 0 {
		distance = -distance
	}
	var floor time.Duration
	switch {
	case distance <= 10:
		floor = 5 * time.Second
	case distance <= 100:
		floor = 10 * time.Second
	default:
		floor = 15 * time.Second
	}
	if feed <= 0 {
		return floor
	}
	expected := time.Duration(distance / feed * float64(time.Minute))
	return max(2*expected, floor)
}
