// Package status keeps the model of the controller state, fed by status reports, and the single
// loop that polls for them.
package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/broker"
	"github.com/fornellas/grblctl/grbl"
)

// ErrAlarm is returned by operations that found the controller in alarm.
var ErrAlarm = errors.New("status: controller in alarm")

// MachineState is the last known controller state. Every field is exactly what the latest report
// said, or derived from it with the latest work coordinate offset.
type MachineState struct {
	Mode                 grbl.State
	SubState             *int
	MachinePosition      *grbl.Coordinates
	WorkPosition         *grbl.Coordinates
	WorkCoordinateOffset *grbl.Coordinates
	PlannerBlocksFree    *int
	RxBytesFree          *int
	Overrides            *grbl.OverrideValues
	Pins                 grbl.PinState
	Accessories          grbl.AccessoryState
	FeedRate             float64
	SpindleSpeed         float64
	LineNumber           *int
	// Alarm is the code of the last ALARM:N, while in alarm.
	Alarm int
	// Reports counts status reports applied.
	Reports   uint64
	UpdatedAt time.Time
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// Copy returns a deep copy.
func (m MachineState) Copy() MachineState {
	c := m
	c.SubState = copyInt(m.SubState)
	c.MachinePosition = m.MachinePosition.Copy()
	c.WorkPosition = m.WorkPosition.Copy()
	c.WorkCoordinateOffset = m.WorkCoordinateOffset.Copy()
	c.PlannerBlocksFree = copyInt(m.PlannerBlocksFree)
	c.RxBytesFree = copyInt(m.RxBytesFree)
	c.LineNumber = copyInt(m.LineNumber)
	if m.Overrides != nil {
		o := *m.Overrides
		c.Overrides = &o
	}
	return c
}

// Transition is a change of the confirmed mode.
type Transition struct {
	From  grbl.State
	To    grbl.State
	At    time.Time
	State MachineState
}

func (t Transition) String() string {
	return fmt.Sprintf("%s→%s", t.From, t.To)
}

type Options struct {
	// IdleConfirmations is how many consecutive Idle reports confirm the Idle mode.
	IdleConfirmations int
}

// Synchronizer is the single writer of MachineState. Idle is only confirmed after
// IdleConfirmations consecutive reports; every other mode change, alarm and hold included, is
// confirmed on the first report.
type Synchronizer struct {
	options Options

	mu        sync.Mutex
	state     MachineState
	confirmed grbl.State
	idleCount int
	changed   chan struct{}

	states      *broker.Broker[MachineState]
	transitions *broker.Broker[Transition]
}

func NewSynchronizer(options Options) *Synchronizer {
	if options.IdleConfirmations < 1 {
		options.IdleConfirmations = 2
	}
	return &Synchronizer{
		options:     options,
		changed:     make(chan struct{}),
		states:      broker.NewBroker[MachineState](),
		transitions: broker.NewBroker[Transition](),
	}
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() MachineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Copy()
}

// Mode returns the confirmed mode, which lags the last report while Idle is being confirmed.
func (s *Synchronizer) Mode() grbl.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// Subscribe returns a channel receiving every state update.
func (s *Synchronizer) Subscribe(name string) <-chan MachineState {
	return s.states.Subscribe(name, 16)
}

func (s *Synchronizer) Unsubscribe(name string) {
	s.states.Unsubscribe(name)
}

// SubscribeTransitions returns a channel receiving every confirmed mode change.
func (s *Synchronizer) SubscribeTransitions(name string) <-chan Transition {
	return s.transitions.Subscribe(name, 16)
}

func (s *Synchronizer) UnsubscribeTransitions(name string) {
	s.transitions.Unsubscribe(name)
}

// Close closes every subscription.
func (s *Synchronizer) Close() {
	s.states.Close()
	s.transitions.Close()
}

func (s *Synchronizer) confirmLocked(ctx context.Context, mode grbl.State) {
	if mode == s.confirmed {
		return
	}
	logger := log.MustLogger(ctx)
	transition := Transition{
		From:  s.confirmed,
		To:    mode,
		At:    s.state.UpdatedAt,
		State: s.state.Copy(),
	}
	logger.Debug("Transition", "from", transition.From, "to", transition.To)
	s.confirmed = mode
	s.transitions.Publish(transition)
}

func (s *Synchronizer) publishLocked() {
	s.states.Publish(s.state.Copy())
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Synchronizer) updatePositionsLocked(report *grbl.StatusReportPushMessage) {
	if report.WorkCoordinateOffset != nil {
		s.state.WorkCoordinateOffset = report.WorkCoordinateOffset.Copy()
	}
	wco := s.state.WorkCoordinateOffset
	switch {
	case report.MachinePosition != nil:
		s.state.MachinePosition = report.MachinePosition.Copy()
		if report.WorkPosition != nil {
			s.state.WorkPosition = report.WorkPosition.Copy()
		} else if wco != nil {
			s.state.WorkPosition = report.MachinePosition.Sub(wco)
		} else {
			s.state.WorkPosition = nil
		}
	case report.WorkPosition != nil:
		s.state.WorkPosition = report.WorkPosition.Copy()
		if wco != nil {
			s.state.MachinePosition = report.WorkPosition.Add(wco)
		} else {
			s.state.MachinePosition = nil
		}
	}
}

// Apply updates the state from a status report.
//
//gocyclo:ignore
func (s *Synchronizer) Apply(ctx context.Context, report *grbl.StatusReportPushMessage) {
	logger := log.MustLogger(ctx)
	if err := grbl.Diagnostic(report); err != nil {
		logger.Warn("Partial status report", "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if report.MachineState.State != grbl.StateUnknown {
		if s.state.Mode == grbl.StateAlarm && report.MachineState.State != grbl.StateAlarm {
			s.state.Alarm = 0
		}
		s.state.Mode = report.MachineState.State
		s.state.SubState = copyInt(report.MachineState.SubState)
	}
	s.updatePositionsLocked(report)
	if report.BufferState != nil {
		planner := report.BufferState.AvailableBlocks
		rx := report.BufferState.AvailableBytes
		s.state.PlannerBlocksFree = &planner
		s.state.RxBytesFree = &rx
	}
	if report.OverrideValues != nil {
		o := *report.OverrideValues
		s.state.Overrides = &o
		// Accessories are only reported along overrides.
		s.state.Accessories = grbl.AccessoryState{}
	}
	if report.AccessoryState != nil {
		s.state.Accessories = *report.AccessoryState
	}
	if report.FeedSpindle != nil {
		s.state.FeedRate = report.FeedSpindle.Feed
		s.state.SpindleSpeed = report.FeedSpindle.Speed
	}
	if report.Feed != nil {
		s.state.FeedRate = *report.Feed
	}
	// Pn is omitted when no pin is triggered.
	if report.PinState != nil {
		s.state.Pins = *report.PinState
	} else {
		s.state.Pins = grbl.PinState{}
	}
	s.state.LineNumber = copyInt(report.LineNumber)
	s.state.Reports++
	s.state.UpdatedAt = time.Now()

	// Only the state carried by this report counts towards a confirmation.
	switch report.MachineState.State {
	case grbl.StateUnknown:
		s.idleCount = 0
	case grbl.StateIdle:
		s.idleCount++
		if s.idleCount >= s.options.IdleConfirmations {
			s.confirmLocked(ctx, grbl.StateIdle)
		}
	default:
		s.idleCount = 0
		s.confirmLocked(ctx, s.state.Mode)
	}
	s.publishLocked()
}

// ApplyAlarm puts the state in alarm right away, without waiting for a status report.
func (s *Synchronizer) ApplyAlarm(ctx context.Context, alarm *grbl.AlarmPushMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Mode = grbl.StateAlarm
	s.state.SubState = nil
	s.state.Alarm = alarm.Code()
	s.state.UpdatedAt = time.Now()
	s.idleCount = 0
	s.confirmLocked(ctx, grbl.StateAlarm)
	s.publishLocked()
}

// Reset forgets the mode, after the controller restarted or the link was lost. Positions are kept
// as the last known values.
func (s *Synchronizer) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Mode = grbl.StateUnknown
	s.state.SubState = nil
	s.state.Alarm = 0
	s.state.UpdatedAt = time.Now()
	s.idleCount = 0
	s.confirmLocked(ctx, grbl.StateUnknown)
	s.publishLocked()
}

func (s *Synchronizer) waitLocked(ctx context.Context, cond func() bool) (MachineState, error) {
	for {
		if cond() {
			state := s.state.Copy()
			s.mu.Unlock()
			return state, nil
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
			s.mu.Lock()
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

// WaitForMode blocks until the confirmed mode is one of modes.
func (s *Synchronizer) WaitForMode(ctx context.Context, modes ...grbl.State) (MachineState, error) {
	s.mu.Lock()
	return s.waitLocked(ctx, func() bool {
		return slices.Contains(modes, s.confirmed)
	})
}

// AwaitReport blocks until a status report newer than the call is applied.
func (s *Synchronizer) AwaitReport(ctx context.Context) (MachineState, error) {
	s.mu.Lock()
	reports := s.state.Reports
	return s.waitLocked(ctx, func() bool {
		return s.state.Reports > reports
	})
}
