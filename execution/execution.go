// Package execution runs G-code programs on the controller: a session state machine with run,
// pause, stop and resume from an arbitrary line.
package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/google/uuid"

	"github.com/fornellas/grblctl/broker"
	"github.com/fornellas/grblctl/gcode"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/status"
)

var (
	ErrInvalidTransition = errors.New("execution: invalid transition")
	ErrNoSession         = errors.New("execution: no program loaded")
	ErrNotStarted        = errors.New("execution: manager not running")
	ErrStopped           = errors.New("execution: stopped by operator")
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
	StateCompleted
	StateFaulted
)

var stateNames = map[State]string{
	StateIdle:      "Idle",
	StateRunning:   "Running",
	StatePaused:    "Paused",
	StateStopping:  "Stopping",
	StateCompleted: "Completed",
	StateFaulted:   "Faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	panic(fmt.Sprintf("bug: unknown execution state: %d", s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal tells whether the session needs a new load to run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted
}

// Recoverer brings the controller back from hold or alarm.
type Recoverer interface {
	ReleaseHold(ctx context.Context) error
	RecoverLocked(ctx context.Context) error
}

type Options struct {
	// AbortOnError faults the session when a line is rejected, otherwise the rejection is logged
	// and streaming goes on.
	AbortOnError bool
	// PauseTimeout bounds the wait for the hold after a pause.
	PauseTimeout time.Duration
	// StopTimeout bounds the wait for the machine to halt after a stop.
	StopTimeout time.Duration
	// IdleReports is how many fresh Idle reports after a feed hold show the machine was already
	// stopped.
	IdleReports int
}

func DefaultOptions() Options {
	return Options{
		AbortOnError: true,
		PauseTimeout: 10 * time.Second,
		StopTimeout:  10 * time.Second,
		IdleReports:  2,
	}
}

// Info is a snapshot of a session.
type Info struct {
	ID    string `json:"id"`
	State State  `json:"state"`
	// Cursor is the index of the first line not yet acknowledged.
	Cursor       int    `json:"cursor"`
	Acknowledged int    `json:"acknowledged"`
	Total        int    `json:"total"`
	LastError    string `json:"last_error,omitempty"`
	// Stopped is set when the operator stopped the session.
	Stopped bool `json:"stopped"`
	// Modal holds the restore commands for the modal state at the cursor.
	Modal        []string          `json:"modal"`
	LastPosition *grbl.Coordinates `json:"last_position,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

type session struct {
	id           string
	program      Program
	state        State
	cursor       int
	acknowledged int
	modal        *gcode.ModalGroup
	lastErr      error
	stopped      bool
	lastPosition *grbl.Coordinates
	startedAt    *time.Time
	finishedAt   *time.Time

	cancel        context.CancelFunc
	done          chan struct{}
	releasePoller func()
	releaseLock   func()
}

func (s *session) info() Info {
	info := Info{
		ID:           s.id,
		State:        s.state,
		Cursor:       s.cursor,
		Acknowledged: s.acknowledged,
		Total:        len(s.program),
		Stopped:      s.stopped,
		Modal:        s.modal.RestoreBlocks(),
		LastPosition: s.lastPosition.Copy(),
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Manager owns the execution session. Its Run worker must be running for sessions to start.
type Manager struct {
	queue        *queue.Queue
	synchronizer *status.Synchronizer
	poller       *status.Poller
	recoverer    Recoverer
	lock         *oplock.Lock
	options      Options

	mu      sync.Mutex
	runCtx  context.Context
	session *session
	infos   *broker.Broker[Info]
}

func NewManager(
	q *queue.Queue,
	synchronizer *status.Synchronizer,
	poller *status.Poller,
	recoverer Recoverer,
	lock *oplock.Lock,
	options Options,
) *Manager {
	defaults := DefaultOptions()
	if options.PauseTimeout == 0 {
		options.PauseTimeout = defaults.PauseTimeout
	}
	if options.StopTimeout == 0 {
		options.StopTimeout = defaults.StopTimeout
	}
	if options.IdleReports == 0 {
		options.IdleReports = defaults.IdleReports
	}
	return &Manager{
		queue:        q,
		synchronizer: synchronizer,
		poller:       poller,
		recoverer:    recoverer,
		lock:         lock,
		options:      options,
		infos:        broker.NewBroker[Info](),
	}
}

// Subscribe returns a channel receiving session updates.
func (m *Manager) Subscribe(name string) <-chan Info {
	return m.infos.Subscribe(name, 16)
}

func (m *Manager) Unsubscribe(name string) {
	m.infos.Unsubscribe(name)
}

func (m *Manager) publishLocked() {
	if m.session != nil {
		m.infos.Publish(m.session.info())
	}
}

// Info returns the current session, or ErrNoSession.
func (m *Manager) Info() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Info{}, ErrNoSession
	}
	return m.session.info(), nil
}

// Load replaces the session with a new program, and returns the session id.
func (m *Manager) Load(ctx context.Context, program Program) (string, error) {
	logger := log.MustLogger(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && !m.session.state.Terminal() && m.session.state != StateIdle {
		return "", fmt.Errorf("%w: load while %s", ErrInvalidTransition, m.session.state)
	}
	m.session = &session{
		id:      uuid.NewString(),
		program: program,
		state:   StateIdle,
		modal:   &gcode.ModalGroup{},
	}
	logger.Info("Program loaded", "id", m.session.id, "lines", len(program))
	m.publishLocked()
	return m.session.id, nil
}

// Clear discards the session.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ErrNoSession
	}
	if !m.session.state.Terminal() && m.session.state != StateIdle {
		return fmt.Errorf("%w: clear while %s", ErrInvalidTransition, m.session.state)
	}
	m.session = nil
	return nil
}

type item struct {
	index int
	text  string
	tag   string
	line  *Line
}

// startLocked acquires the link and starts dispatching items.
func (m *Manager) startLocked(ctx context.Context, s *session, items []item) error {
	if m.runCtx == nil {
		return ErrNotStarted
	}
	if mode := m.synchronizer.Mode(); mode != grbl.StateIdle {
		if mode == grbl.StateAlarm {
			return fmt.Errorf("execution: start: %w", status.ErrAlarm)
		}
		return fmt.Errorf("execution: start: machine is %s, not Idle", mode)
	}
	releaseLock, err := m.lock.TryAcquire("program")
	if err != nil {
		return err
	}
	releasePoller, err := m.poller.Acquire("execution", status.CadenceMedium)
	if err != nil {
		releaseLock()
		return err
	}

	dispatchCtx, cancel := context.WithCancel(m.runCtx)
	dispatchCtx, _ = log.MustWithAttrs(dispatchCtx, "session", s.id)
	s.state = StateRunning
	s.stopped = false
	s.lastErr = nil
	s.finishedAt = nil
	now := time.Now()
	s.startedAt = &now
	s.cancel = cancel
	s.done = make(chan struct{})
	s.releasePoller = releasePoller
	s.releaseLock = releaseLock
	go m.dispatch(dispatchCtx, s, items)
	m.publishLocked()
	return nil
}

// Start runs the loaded program from its first line.
func (m *Manager) Start(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, s.state)
	}
	items := make([]item, len(s.program))
	for i := range s.program {
		items[i] = item{
			index: i,
			text:  s.program[i].Text,
			tag:   strconv.Itoa(s.program[i].Number),
			line:  &s.program[i],
		}
	}
	if err := m.startLocked(ctx, s, items); err != nil {
		return err
	}
	logger.Info("Program started", "id", s.id)
	return nil
}

type pendingAck struct {
	item    item
	command *queue.Command
}

func (m *Manager) dispatch(ctx context.Context, s *session, items []item) {
	logger := log.MustLogger(ctx)
	acks := make(chan pendingAck, 64)
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		m.acknowledge(ctx, s, acks, len(items))
	}()
	defer func() {
		close(acks)
		<-ackDone
		close(s.done)
	}()

	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		eeprom := it.line != nil && it.line.IsEEPROM()
		if eeprom {
			// The controller stalls while writing non volatile memory, and drops serial data.
			if err := m.queue.Drain(ctx); err != nil {
				return
			}
		}
		command, err := m.queue.Submit(ctx, it.text, it.tag)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to send line", "line", it.tag, "err", err)
			m.fault(ctx, s, fmt.Errorf("execution: line %s: %w", it.tag, err))
			return
		}
		select {
		case acks <- pendingAck{item: it, command: command}:
		case <-ctx.Done():
			return
		}
		if eeprom {
			select {
			case <-command.Done():
			case <-ctx.Done():
				return
			}
		}
	}
}

//gocyclo:ignore
func (m *Manager) acknowledge(ctx context.Context, s *session, acks <-chan pendingAck, total int) {
	logger := log.MustLogger(ctx)
	processed := 0
	for pa := range acks {
		select {
		case <-pa.command.Done():
		case <-ctx.Done():
			return
		}
		err := pa.command.Err()
		if errors.Is(err, queue.ErrFlushed) {
			m.fault(ctx, s, err)
			return
		}

		m.mu.Lock()
		if s.state != StateRunning && s.state != StatePaused {
			m.mu.Unlock()
			return
		}
		if pa.item.line != nil {
			s.cursor = pa.item.index + 1
			s.acknowledged++
			if pa.item.line.block != nil {
				if updateErr := s.modal.UpdateFromBlock(pa.item.line.block); updateErr != nil {
					logger.Warn("Modal state not tracked", "line", pa.item.tag, "err", updateErr)
				}
			}
		}
		m.publishLocked()
		m.mu.Unlock()

		if err != nil {
			if m.options.AbortOnError {
				logger.Error("Line rejected, aborting", "line", pa.item.tag, "err", err)
				m.fault(ctx, s, fmt.Errorf("execution: line %s: %w", pa.item.tag, err))
				return
			}
			logger.Warn("Line rejected", "line", pa.item.tag, "err", err)
		}
		processed++
	}
	if processed != total || ctx.Err() != nil {
		return
	}

	// Every line is in the planner: done once motion ends.
	if err := m.awaitIdle(ctx); err != nil {
		return
	}
	m.complete(ctx, s)
}

// complete finishes a session whose lines were all acknowledged. A stopping session is left to
// Stop, which owns its outcome.
func (m *Manager) complete(ctx context.Context, s *session) bool {
	return m.finish(ctx, s, StateCompleted, nil, StateRunning, StatePaused)
}

// awaitIdle waits for IdleReports consecutive Idle reports received after the call, so a mode
// confirmed before the last lines were planned does not count.
func (m *Manager) awaitIdle(ctx context.Context) error {
	idle := 0
	for {
		m.poller.Kick()
		state, err := m.synchronizer.AwaitReport(ctx)
		if err != nil {
			return err
		}
		if state.Mode != grbl.StateIdle {
			idle = 0
			continue
		}
		idle++
		if idle >= m.options.IdleReports {
			return nil
		}
	}
}

// finish moves a session in one of the from states to a terminal state and releases the link.
func (m *Manager) finish(ctx context.Context, s *session, state State, err error, from ...State) bool {
	logger := log.MustLogger(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(from, s.state) {
		return false
	}
	m.finishLocked(s, state, err)
	logger.Info("Program finished", "state", state, "err", err)
	return true
}

func (m *Manager) finishLocked(s *session, state State, err error) {
	s.state = state
	s.lastErr = err
	now := time.Now()
	s.finishedAt = &now
	s.lastPosition = m.synchronizer.Snapshot().WorkPosition
	s.cancel()
	s.releasePoller()
	s.releaseLock()
	m.publishLocked()
}

// fault stops an active session on a failure it can not handle. Stopping sessions are left to
// Stop.
func (m *Manager) fault(ctx context.Context, s *session, err error) {
	logger := log.MustLogger(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state != StateRunning && s.state != StatePaused {
		return
	}
	s.cancel()
	dropped := m.queue.FlushPending(err)
	logger.Error("Program faulted", "err", err, "dropped", dropped)
	m.finishLocked(s, StateFaulted, err)
}

// Fault faults the active session, if any. It is for failures found outside the session, such as
// a lost connection.
func (m *Manager) Fault(ctx context.Context, err error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		m.fault(ctx, s, err)
	}
}

func (m *Manager) activeSession(states ...State) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return nil, ErrNoSession
	}
	for _, state := range states {
		if s.state == state {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.state)
}

func (m *Manager) setPaused(ctx context.Context, s *session) {
	logger := log.MustLogger(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StatePaused
	s.lastPosition = m.synchronizer.Snapshot().WorkPosition
	logger.Info("Program paused", "cursor", s.cursor)
	m.publishLocked()
}

// Pause issues a feed hold and waits for the machine to hold. The queue is kept, and lines keep
// flowing into the controller buffer.
func (m *Manager) Pause(ctx context.Context) error {
	s, err := m.activeSession(StateRunning)
	if err != nil {
		return err
	}
	if err := m.queue.SendRealtime(ctx, grbl.RealTimeCommandFeedHold); err != nil {
		return fmt.Errorf("execution: pause: %w", err)
	}
	m.poller.Kick()
	waitCtx, cancel := context.WithTimeout(ctx, m.options.PauseTimeout)
	defer cancel()
	if _, err := m.synchronizer.WaitForMode(waitCtx, grbl.StateHold, grbl.StateDoor); err != nil {
		return fmt.Errorf("execution: pause: waiting for hold: %w", err)
	}
	m.setPaused(ctx, s)
	return nil
}

// Resume issues a cycle start to continue a paused session.
func (m *Manager) Resume(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	s, err := m.activeSession(StatePaused)
	if err != nil {
		return err
	}
	if err := m.queue.SendRealtime(ctx, grbl.RealTimeCommandCycleStartResume); err != nil {
		return fmt.Errorf("execution: resume: %w", err)
	}
	m.poller.Kick()
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateRunning
		logger.Info("Program resumed", "cursor", s.cursor)
		m.publishLocked()
	}
	return nil
}

// awaitHalt waits after a feed hold until the machine holds, alarms, or shows it was idle.
func (m *Manager) awaitHalt(ctx context.Context) (status.MachineState, error) {
	ctx, cancel := context.WithTimeout(ctx, m.options.StopTimeout)
	defer cancel()
	idle := 0
	for {
		m.poller.Kick()
		state, err := m.synchronizer.AwaitReport(ctx)
		if err != nil {
			return state, err
		}
		switch state.Mode {
		case grbl.StateHold, grbl.StateDoor:
			// Resetting before motion ended loses position.
			if state.SubState == nil || *state.SubState == 0 {
				return state, nil
			}
		case grbl.StateAlarm:
			return state, nil
		case grbl.StateIdle:
			idle++
			if idle >= m.options.IdleReports {
				return state, nil
			}
		}
	}
}

// Stop cancels the remaining lines, flushes the queue and halts the machine. A hold is released
// with a soft reset, and an alarm goes through recovery. The session ends Completed when the
// machine is left ready, or Faulted otherwise. Stop while already stopping is a no-op returning
// oplock.ErrAlreadyRunning.
func (m *Manager) Stop(ctx context.Context) error {
	logger := log.MustLogger(ctx)

	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	switch s.state {
	case StateStopping:
		m.mu.Unlock()
		return fmt.Errorf("%w: stop", oplock.ErrAlreadyRunning)
	case StateRunning, StatePaused:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidTransition, s.state)
	}
	s.state = StateStopping
	s.stopped = true
	m.publishLocked()
	s.cancel()
	done := s.done
	m.mu.Unlock()

	logger.Info("Stopping program", "cursor", s.cursor)
	<-done
	m.queue.FlushPending(ErrStopped)

	err := m.halt(ctx)
	state := StateCompleted
	if err != nil {
		logger.Error("Stop failed", "err", err)
		state = StateFaulted
	}
	m.finish(ctx, s, state, err, StateStopping)
	return err
}

func (m *Manager) halt(ctx context.Context) error {
	if err := m.queue.SendRealtime(ctx, grbl.RealTimeCommandFeedHold); err != nil {
		return fmt.Errorf("execution: stop: %w", err)
	}
	state, err := m.awaitHalt(ctx)
	if err != nil {
		return fmt.Errorf("execution: stop: waiting for machine to halt: %w", err)
	}
	switch state.Mode {
	case grbl.StateHold, grbl.StateDoor:
		if err := m.recoverer.ReleaseHold(ctx); err != nil {
			return fmt.Errorf("execution: stop: %w", err)
		}
	case grbl.StateAlarm:
		if err := m.recoverer.RecoverLocked(ctx); err != nil {
			return fmt.Errorf("execution: stop: %w", err)
		}
	}
	return nil
}

// ResumeFromLine continues a stopped, faulted or paused session from line, a 1 based index in
// the program, or from the cursor when line is 0. The modal state in effect at that line is
// restored first. A paused session is stopped before.
func (m *Manager) ResumeFromLine(ctx context.Context, line int) error {
	logger := log.MustLogger(ctx)

	if _, err := m.activeSession(StatePaused); err == nil {
		if err := m.Stop(ctx); err != nil {
			return err
		}
		// The hold release restarts the controller.
		waitCtx, cancel := context.WithTimeout(ctx, m.options.StopTimeout)
		_, err := m.synchronizer.WaitForMode(waitCtx, grbl.StateIdle)
		cancel()
		if err != nil {
			return fmt.Errorf("execution: resume from line: waiting for Idle: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return ErrNoSession
	}
	if !s.state.Terminal() {
		return fmt.Errorf("%w: resume from line while %s", ErrInvalidTransition, s.state)
	}
	index := s.cursor
	if line > 0 {
		index = line - 1
	}
	if index < 0 || index >= len(s.program) {
		return fmt.Errorf("execution: resume from line %d: out of range 1-%d", index+1, len(s.program))
	}

	modal, err := s.program.ModalAt(index)
	if err != nil {
		return err
	}
	items := []item{}
	for _, text := range modal.RestoreBlocks() {
		items = append(items, item{index: -1, text: text, tag: "preamble"})
	}
	for i := index; i < len(s.program); i++ {
		items = append(items, item{
			index: i,
			text:  s.program[i].Text,
			tag:   strconv.Itoa(s.program[i].Number),
			line:  &s.program[i],
		})
	}

	s.cursor = index
	s.acknowledged = index
	s.modal = modal
	if err := m.startLocked(ctx, s, items); err != nil {
		return err
	}
	logger.Info("Program resumed from line", "line", index+1, "preamble", modal.RestoreBlocks())
	return nil
}

// Preamble returns the restore commands that ResumeFromLine would send before line.
func (m *Manager) Preamble(line int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	if line < 1 || line > len(m.session.program) {
		return nil, fmt.Errorf("execution: line %d: out of range 1-%d", line, len(m.session.program))
	}
	modal, err := m.session.program.ModalAt(line - 1)
	if err != nil {
		return nil, err
	}
	return modal.RestoreBlocks(), nil
}

// Run tracks machine transitions for the active session until ctx is done: external holds pause
// it, and alarms fault it. Alarms are never recovered here.
func (m *Manager) Run(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Execution")

	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.runCtx = nil
		m.mu.Unlock()
		m.infos.Close()
	}()

	transitions := m.synchronizer.SubscribeTransitions("execution")
	defer m.synchronizer.UnsubscribeTransitions("execution")

	for {
		select {
		case <-ctx.Done():
			m.Fault(ctx, ctx.Err())
			return nil
		case transition, ok := <-transitions:
			if !ok {
				return nil
			}
			m.mu.Lock()
			s := m.session
			m.mu.Unlock()
			if s == nil {
				continue
			}
			switch transition.To {
			case grbl.StateHold, grbl.StateDoor:
				m.setPaused(ctx, s)
			case grbl.StateAlarm:
				err := fmt.Errorf("execution: %w", status.ErrAlarm)
				if transition.State.Alarm != 0 {
					err = fmt.Errorf("execution: %w: ALARM:%d", status.ErrAlarm, transition.State.Alarm)
				}
				logger.Debug("Alarm", "transition", transition.String())
				m.fault(ctx, s, err)
			}
		}
	}
}
