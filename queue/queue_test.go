package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/grblctl/grbl"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, string(data))
	return nil
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

var ok = &grbl.ResponseMessage{Message: "ok"}

func checkAccounting(t *testing.T, q *Queue) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	sum := 0
	for _, c := range q.inFlight {
		sum += c.Len()
	}
	require.Equal(t, sum, q.inFlightBytes)
	require.LessOrEqual(t, q.inFlightBytes, q.capacity)
}

func TestQueueCharacterCounting(t *testing.T) {
	ctx := testContext(t)
	sender := &fakeSender{}
	q := NewQueue(sender, 20)

	// 9 bytes each with the line feed: two fit, the third waits.
	a, err := q.Enqueue(ctx, "G1 X1 F1", "a")
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "G1 X2 F1", "b")
	require.NoError(t, err)
	c, err := q.Enqueue(ctx, "G1 X3 F1", "c")
	require.NoError(t, err)

	require.Equal(t, []string{"G1 X1 F1\n", "G1 X2 F1\n"}, sender.Sent())
	require.Equal(t, 18, q.Unacknowledged())
	require.Equal(t, 1, q.Pending())
	checkAccounting(t, q)

	require.Same(t, a, q.Acknowledge(ctx, ok))
	require.Equal(t, ConfirmationAcknowledged, a.State())
	require.NoError(t, a.Wait(ctx))
	require.Equal(t, []string{"G1 X1 F1\n", "G1 X2 F1\n", "G1 X3 F1\n"}, sender.Sent())
	checkAccounting(t, q)

	require.Same(t, b, q.Acknowledge(ctx, &grbl.ResponseMessage{Message: "error:20"}))
	require.Equal(t, ConfirmationRejected, b.State())
	err = b.Wait(ctx)
	require.ErrorIs(t, err, ErrCommandRejected)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, 20, rejected.Code)
	require.Equal(t, "G1 X2 F1", rejected.Command)

	require.Same(t, c, q.Acknowledge(ctx, ok))
	require.Nil(t, q.Acknowledge(ctx, ok))
	require.Equal(t, 0, q.Unacknowledged())
	require.NoError(t, q.Drain(ctx))
}

func TestQueueFIFOAndBudgetProperty(t *testing.T) {
	ctx := testContext(t)
	sender := &fakeSender{}
	q := NewQueue(sender, 127)
	rnd := rand.New(rand.NewSource(1))

	commands := []*Command{}
	for i := range 200 {
		text := fmt.Sprintf("G1 X%d", i) + strings.Repeat("0", rnd.Intn(60))
		command, err := q.Enqueue(ctx, text, "")
		require.NoError(t, err)
		commands = append(commands, command)
		checkAccounting(t, q)
		if rnd.Intn(3) == 0 && q.InFlight() > 0 {
			response := ok
			if rnd.Intn(4) == 0 {
				response = &grbl.ResponseMessage{Message: "error:33"}
			}
			q.Acknowledge(ctx, response)
			checkAccounting(t, q)
		}
	}
	for q.InFlight() > 0 {
		q.Acknowledge(ctx, ok)
		checkAccounting(t, q)
	}

	sent := sender.Sent()
	require.Len(t, sent, len(commands))
	for i, command := range commands {
		require.Equal(t, command.Text+"\n", sent[i])
		select {
		case <-command.Done():
		default:
			require.FailNow(t, "command not done", command.Text)
		}
	}
}

func TestQueueRejectsInvalidCommands(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(&fakeSender{}, 10)

	_, err := q.Enqueue(ctx, "G0 X1\nG0 X2", "")
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = q.Enqueue(ctx, "G0 X1 ?", "")
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = q.Enqueue(ctx, "G0 X1 Y2 Z3", "")
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = q.Enqueue(ctx, "G0 X1 Y2", "")
	require.NoError(t, err)
}

func TestQueueSendWithConfirmation(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(&fakeSender{}, 127)

	errCh := make(chan error, 1)
	go func() { errCh <- q.SendWithConfirmation(ctx, "$X", "unlock", 5*time.Second) }()
	require.Eventually(t, func() bool { return q.InFlight() == 1 }, 5*time.Second, time.Millisecond)
	q.Acknowledge(ctx, ok)
	require.NoError(t, <-errCh)
}

func TestQueueConfirmationTimeoutKeepsFIFO(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(&fakeSender{}, 127)

	err := q.SendWithConfirmation(ctx, "G4 P1", "", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	require.Equal(t, 1, q.InFlight())

	next, err := q.Enqueue(ctx, "G0 X1", "")
	require.NoError(t, err)

	first := q.Acknowledge(ctx, ok)
	require.Equal(t, "G4 P1", first.Text)
	require.Equal(t, 1, q.InFlight())
	require.Same(t, next, q.Acknowledge(ctx, ok))
}

func TestQueueTimeoutDropsUnsentCommand(t *testing.T) {
	ctx := testContext(t)
	sender := &fakeSender{}
	q := NewQueue(sender, 10)

	_, err := q.Enqueue(ctx, "G0 X1 Y1", "")
	require.NoError(t, err)
	err = q.SendWithConfirmation(ctx, "G0 X2", "", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	require.Equal(t, 0, q.Pending())

	q.Acknowledge(ctx, ok)
	require.Equal(t, []string{"G0 X1 Y1\n"}, sender.Sent())
}

func TestQueueSubmitBlocksOnFlowControl(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(&fakeSender{}, 10)

	_, err := q.Submit(ctx, "G0 X1 Y1", "")
	require.NoError(t, err)

	submitted := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, "G0 X2", "")
		submitted <- err
	}()
	select {
	case <-submitted:
		require.FailNow(t, "submit did not block")
	case <-time.After(20 * time.Millisecond):
	}
	q.Acknowledge(ctx, ok)
	require.NoError(t, <-submitted)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Submit(cancelCtx, "G0 X3 Y3", "")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, q.Pending())
}

func TestQueueFlushAndReset(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(&fakeSender{}, 10)

	inFlight, err := q.Enqueue(ctx, "G0 X1 Y1", "")
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, "G0 X2", "")
	require.NoError(t, err)

	alarm := errors.New("alarm")
	require.Equal(t, 1, q.FlushPending(alarm))
	require.ErrorIs(t, pending.Wait(ctx), ErrFlushed)
	require.ErrorIs(t, pending.Wait(ctx), alarm)
	require.Equal(t, 1, q.InFlight())

	q.Reset(nil)
	require.ErrorIs(t, inFlight.Wait(ctx), ErrFlushed)
	require.Equal(t, 0, q.Unacknowledged())
	require.NoError(t, q.Drain(ctx))
}

func TestQueueSendFailure(t *testing.T) {
	ctx := testContext(t)
	broken := errors.New("broken pipe")
	q := NewQueue(&fakeSender{err: broken}, 127)

	command, err := q.Enqueue(ctx, "G0 X1", "")
	require.NoError(t, err)
	require.ErrorIs(t, command.Wait(ctx), broken)
	require.Equal(t, 0, q.Unacknowledged())
}

func TestQueueSetCapacity(t *testing.T) {
	ctx := testContext(t)
	sender := &fakeSender{}
	q := NewQueue(sender, 5)
	_, err := q.Enqueue(ctx, "G0", "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "G1", "")
	require.NoError(t, err)
	require.Len(t, sender.Sent(), 1)

	q.SetCapacity(ctx, 127)
	require.Len(t, sender.Sent(), 2)
	require.Equal(t, 127, q.Capacity())
}

func TestQueueSendRealtime(t *testing.T) {
	ctx := testContext(t)
	sender := &fakeSender{}
	q := NewQueue(sender, 3)
	_, err := q.Enqueue(ctx, "G0", "")
	require.NoError(t, err)
	require.NoError(t, q.SendRealtime(ctx, grbl.RealTimeCommandFeedHold))
	require.Equal(t, []string{"G0\n", "!"}, sender.Sent())
	require.Equal(t, 3, q.Unacknowledged())
}

func TestConfirmationTimeout(t *testing.T) {
	require.Equal(t, 5*time.Second, ConfirmationTimeout(1, 1000))
	require.Equal(t, 10*time.Second, ConfirmationTimeout(-50, 0))
	require.Equal(t, 15*time.Second, ConfirmationTimeout(200, 5000))
	require.Equal(t, 2*time.Minute, ConfirmationTimeout(1000, 1000))
}
