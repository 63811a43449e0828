package status

import (
	"context"
	"io"
	"log/slog"
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

func apply(t *testing.T, ctx context.Context, s *Synchronizer, line string) {
	t.Helper()
	report, ok := grbl.ParseLine(line).(*grbl.StatusReportPushMessage)
	require.True(t, ok, line)
	s.Apply(ctx, report)
}

func drainTransitions(ch <-chan Transition) []string {
	transitions := []string{}
	for {
		select {
		case transition := <-ch:
			transitions = append(transitions, transition.String())
		case <-time.After(50 * time.Millisecond):
			return transitions
		}
	}
}

func TestSynchronizerRoundTrip(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()

	apply(t, ctx, s, "<Run|MPos:10.000,20.000,-5.000|FS:500,12000|Ov:100,100,100>")
	state := s.Snapshot()
	require.Equal(t, grbl.StateRun, state.Mode)
	require.Equal(t, &grbl.Coordinates{X: 10, Y: 20, Z: -5}, state.MachinePosition)
	require.Equal(t, 500.0, state.FeedRate)
	require.Equal(t, 12000.0, state.SpindleSpeed)
	require.Equal(t, &grbl.OverrideValues{Feed: 100, Rapids: 100, Spindle: 100}, state.Overrides)
	require.Equal(t, uint64(1), state.Reports)
}

func TestSynchronizerDerivesPositions(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()

	apply(t, ctx, s, "<Idle|MPos:10.000,20.000,-5.000|Bf:15,128|WCO:1.000,2.000,-10.000>")
	state := s.Snapshot()
	require.Equal(t, &grbl.Coordinates{X: 9, Y: 18, Z: 5}, state.WorkPosition)
	require.Equal(t, 15, *state.PlannerBlocksFree)
	require.Equal(t, 128, *state.RxBytesFree)

	apply(t, ctx, s, "<Idle|WPos:0.000,0.000,0.000|Pn:P>")
	state = s.Snapshot()
	require.Equal(t, &grbl.Coordinates{X: 1, Y: 2, Z: -10}, state.MachinePosition)
	require.True(t, state.Pins.Probe)

	apply(t, ctx, s, "<Idle|WPos:0.000,0.000,0.000>")
	require.False(t, s.Snapshot().Pins.Probe)
}

func TestSynchronizerSnapshotIsCopy(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()

	apply(t, ctx, s, "<Idle|MPos:1.000,2.000,3.000>")
	state := s.Snapshot()
	state.MachinePosition.X = 100
	require.Equal(t, 1.0, s.Snapshot().MachinePosition.X)
}

func TestSynchronizerIdleDebounce(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{IdleConfirmations: 2})
	defer s.Close()
	transitions := s.SubscribeTransitions("test")

	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateRun, s.Mode())
	require.Equal(t, grbl.StateIdle, s.Snapshot().Mode)
	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	require.Equal(t, []string{"Unknown→Run"}, drainTransitions(transitions))

	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateIdle, s.Mode())
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, []string{"Run→Idle"}, drainTransitions(transitions))
}

func TestSynchronizerIdleDebounceThreshold(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{IdleConfirmations: 3})
	defer s.Close()

	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateRun, s.Mode())
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateIdle, s.Mode())
}

func TestSynchronizerUnrecognizedStateBreaksIdleRun(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{IdleConfirmations: 2})
	defer s.Close()

	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	apply(t, ctx, s, "<Tool|MPos:0,0,0>")
	require.Equal(t, grbl.StateRun, s.Mode())
	require.Equal(t, grbl.StateIdle, s.Snapshot().Mode)

	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateRun, s.Mode())
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	require.Equal(t, grbl.StateIdle, s.Mode())
}

func TestSynchronizerAlarmAndHoldNotDebounced(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{IdleConfirmations: 3})
	defer s.Close()
	transitions := s.SubscribeTransitions("test")

	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	apply(t, ctx, s, "<Hold:1|MPos:0,0,0>")
	require.Equal(t, grbl.StateHold, s.Mode())
	apply(t, ctx, s, "<Alarm|MPos:0,0,0>")
	require.Equal(t, grbl.StateAlarm, s.Mode())
	apply(t, ctx, s, "<Door:1|MPos:0,0,0>")
	require.Equal(t, grbl.StateDoor, s.Mode())

	s.ApplyAlarm(ctx, &grbl.AlarmPushMessage{Message: "ALARM:1"})
	require.Equal(t, grbl.StateAlarm, s.Mode())
	require.Equal(t, 1, s.Snapshot().Alarm)

	require.Equal(t, []string{
		"Unknown→Run", "Run→Hold", "Hold→Alarm", "Alarm→Door", "Door→Alarm",
	}, drainTransitions(transitions))
}

func TestSynchronizerReset(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()

	s.ApplyAlarm(ctx, &grbl.AlarmPushMessage{Message: "ALARM:2"})
	s.Reset(ctx)
	state := s.Snapshot()
	require.Equal(t, grbl.StateUnknown, state.Mode)
	require.Equal(t, 0, state.Alarm)
	require.Equal(t, grbl.StateUnknown, s.Mode())
}

func TestSynchronizerWaitForMode(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()

	done := make(chan MachineState, 1)
	go func() {
		state, err := s.WaitForMode(ctx, grbl.StateIdle, grbl.StateAlarm)
		if err == nil {
			done <- state
		}
	}()

	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	select {
	case <-done:
		require.FailNow(t, "idle confirmed after a single report")
	case <-time.After(20 * time.Millisecond):
	}
	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	select {
	case state := <-done:
		require.Equal(t, grbl.StateIdle, state.Mode)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := s.WaitForMode(timeoutCtx, grbl.StateRun)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynchronizerAwaitReport(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()
	apply(t, ctx, s, "<Alarm|MPos:0,0,0>")

	done := make(chan MachineState, 1)
	go func() {
		state, err := s.AwaitReport(ctx)
		if err == nil {
			done <- state
		}
	}()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
		}
		apply(t, ctx, s, "<Idle|MPos:0,0,0>")
		return false
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, grbl.StateIdle, s.Snapshot().Mode)
	require.Equal(t, 0, s.Snapshot().Alarm)
}

type fakeRealtimeSender struct {
	mu      sync.Mutex
	queries int
}

func (f *fakeRealtimeSender) SendRealtime(ctx context.Context, command grbl.RealTimeCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if command == grbl.RealTimeCommandStatusReportQuery {
		f.queries++
	}
	return nil
}

func (f *fakeRealtimeSender) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeBacklog int

func (b *fakeBacklog) Unacknowledged() int { return int(*b) }

func TestPollerCadence(t *testing.T) {
	ctx := testContext(t)
	s := NewSynchronizer(Options{})
	defer s.Close()
	backlog := fakeBacklog(0)
	p := NewPoller(&fakeRealtimeSender{}, s, &backlog, PollerOptions{})

	require.Equal(t, CadenceSlow, p.Cadence())
	require.Equal(t, 500*time.Millisecond, p.Interval())

	backlog = 10
	require.Equal(t, CadenceMedium, p.Cadence())
	backlog = 0

	apply(t, ctx, s, "<Run|MPos:0,0,0>")
	require.Equal(t, CadenceMedium, p.Cadence())
	apply(t, ctx, s, "<Jog|MPos:0,0,0>")
	require.Equal(t, CadenceFast, p.Cadence())
	require.Equal(t, 25*time.Millisecond, p.Interval())

	apply(t, ctx, s, "<Idle|MPos:0,0,0>")
	release, err := p.Acquire("execution", CadenceMedium)
	require.NoError(t, err)
	require.Equal(t, CadenceMedium, p.Cadence())
	release()
	require.Equal(t, CadenceSlow, p.Cadence())
}

func TestPollerAcquireExclusive(t *testing.T) {
	s := NewSynchronizer(Options{})
	defer s.Close()
	p := NewPoller(&fakeRealtimeSender{}, s, nil, PollerOptions{})

	release, err := p.Acquire("jog", CadenceFast)
	require.NoError(t, err)
	require.Equal(t, "jog", p.Owner())

	_, err = p.Acquire("probe", CadenceMedium)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorContains(t, err, "jog")

	release()
	release()
	require.Equal(t, "", p.Owner())
	release, err = p.Acquire("probe", CadenceMedium)
	require.NoError(t, err)
	release()
}

func TestPollerRun(t *testing.T) {
	ctx := testContext(t)
	ctx, cancel := context.WithCancel(ctx)
	s := NewSynchronizer(Options{})
	defer s.Close()
	sender := &fakeRealtimeSender{}
	p := NewPoller(sender, s, nil, PollerOptions{Slow: time.Hour, Fast: time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sender.Queries() == 1 }, 5*time.Second, time.Millisecond)
	p.Kick()
	require.Eventually(t, func() bool { return sender.Queries() == 2 }, 5*time.Second, time.Millisecond)

	release, err := p.Acquire("jog", CadenceFast)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sender.Queries() > 10 }, 5*time.Second, time.Millisecond)
	release()

	cancel()
	require.NoError(t, <-errCh)
}
