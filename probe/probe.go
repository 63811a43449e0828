// Package probe runs probing sequences: ordered steps, touch results read from the controller,
// consensus between touches and travel clamped to the machine limits.
package probe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
	iFmt "github.com/fornellas/grblctl/internal/fmt"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/status"
)

var (
	ErrNoContact = errors.New("probe: no contact")
	// ErrNoResult is returned when a probing move was acknowledged without a [PRB:] report.
	ErrNoResult    = errors.New("probe: no probe result")
	ErrNotMeasured = errors.New("probe: no successful measurement")
)

// Wait tells what to wait for after a step is acknowledged.
type Wait struct {
	WaitForIdle bool
	// Timeout bounds both the acknowledgement and the idle wait. 0 uses the default.
	Timeout time.Duration
	// Delay is slept after the step.
	Delay time.Duration
}

// Step is one command of a probing sequence.
type Step struct {
	Command     string
	Description string
	Wait        Wait
	// Probe marks a probing move, whose [PRB:] result is collected.
	Probe bool
}

type Sequence []Step

// StepError reports the step that failed a sequence.
type StepError struct {
	Index int
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("probe: step %d (%s): %s", e.Index+1, e.Step.Description, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Options struct {
	// Tolerance is the maximum difference between touches.
	Tolerance float64
	// Margin is kept between any move and the axis travel limits.
	Margin float64
	// SearchDistance is the coarse approach length.
	SearchDistance float64
	SeekFeed       float64
	LatchFeed      float64
	// Retract is the distance backed off between touches.
	Retract float64
	// Touches is the count of fine touches compared.
	Touches     int
	StepTimeout time.Duration
	// IdleReports is how many fresh Idle reports end a step waiting for idle.
	IdleReports int
}

func DefaultOptions() Options {
	return Options{
		Tolerance:      0.05,
		Margin:         1,
		SearchDistance: 50,
		SeekFeed:       200,
		LatchFeed:      25,
		Retract:        2,
		Touches:        3,
		StepTimeout:    60 * time.Second,
		IdleReports:    2,
	}
}

// SettingsProvider gives the controller settings read on connection.
type SettingsProvider interface {
	Settings() grbl.Settings
}

// MessageSource delivers every line received from the controller.
type MessageSource interface {
	SubscribeMessages(name string) <-chan grbl.Message
	UnsubscribeMessages(name string)
}

type Engine struct {
	queue        *queue.Queue
	synchronizer *status.Synchronizer
	poller       *status.Poller
	settings     SettingsProvider
	messages     MessageSource
	lock         *oplock.Lock
	options      Options
}

func New(
	q *queue.Queue,
	synchronizer *status.Synchronizer,
	poller *status.Poller,
	settings SettingsProvider,
	messages MessageSource,
	lock *oplock.Lock,
	options Options,
) *Engine {
	defaults := DefaultOptions()
	if options.Tolerance == 0 {
		options.Tolerance = defaults.Tolerance
	}
	if options.Margin == 0 {
		options.Margin = defaults.Margin
	}
	if options.SearchDistance == 0 {
		options.SearchDistance = defaults.SearchDistance
	}
	if options.SeekFeed == 0 {
		options.SeekFeed = defaults.SeekFeed
	}
	if options.LatchFeed == 0 {
		options.LatchFeed = defaults.LatchFeed
	}
	if options.Retract == 0 {
		options.Retract = defaults.Retract
	}
	if options.Touches == 0 {
		options.Touches = defaults.Touches
	}
	if options.StepTimeout == 0 {
		options.StepTimeout = defaults.StepTimeout
	}
	if options.IdleReports == 0 {
		options.IdleReports = defaults.IdleReports
	}
	return &Engine{
		queue:        q,
		synchronizer: synchronizer,
		poller:       poller,
		settings:     settings,
		messages:     messages,
		lock:         lock,
		options:      options,
	}
}

func (e *Engine) acquire() (func(), error) {
	releaseLock, err := e.lock.TryAcquire("probe")
	if err != nil {
		return nil, err
	}
	releasePoller, err := e.poller.Acquire("probe", status.CadenceMedium)
	if err != nil {
		releaseLock()
		return nil, fmt.Errorf("probe: %w", err)
	}
	return func() {
		releasePoller()
		releaseLock()
	}, nil
}

func (e *Engine) waitIdle(ctx context.Context) error {
	idle := 0
	for {
		e.poller.Kick()
		state, err := e.synchronizer.AwaitReport(ctx)
		if err != nil {
			return fmt.Errorf("waiting for idle: %w", err)
		}
		switch state.Mode {
		case grbl.StateAlarm:
			return status.ErrAlarm
		case grbl.StateIdle:
			idle++
			if idle >= e.options.IdleReports {
				return nil
			}
		default:
			idle = 0
		}
	}
}

// awaitResult returns the [PRB:] result of the probing move that was just acknowledged.
func awaitResult(ctx context.Context, results <-chan grbl.Message) (*grbl.Probe, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		select {
		case message, ok := <-results:
			if !ok {
				return nil, ErrNoResult
			}
			if m, ok := message.(*grbl.GcodeParamPushMessage); ok && m.GcodeParameters.Probe != nil {
				return m.GcodeParameters.Probe, nil
			}
		case <-timer.C:
			return nil, ErrNoResult
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) runStep(ctx context.Context, step Step, results <-chan grbl.Message) (*grbl.Probe, error) {
	timeout := step.Wait.Timeout
	if timeout == 0 {
		timeout = e.options.StepTimeout
	}
	if err := e.queue.SendWithConfirmation(ctx, step.Command, "probe", timeout); err != nil {
		return nil, err
	}
	var result *grbl.Probe
	if step.Probe {
		var err error
		if result, err = awaitResult(ctx, results); err != nil {
			return nil, err
		}
		if !result.Successful {
			return result, ErrNoContact
		}
	}
	if step.Wait.WaitForIdle {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := e.waitIdle(waitCtx)
		cancel()
		if err != nil {
			return result, err
		}
	}
	if step.Wait.Delay > 0 {
		timer := time.NewTimer(step.Wait.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
	return result, nil
}

// runner runs steps one at a time, collecting [PRB:] results, so later steps may depend on
// earlier touches.
type runner struct {
	engine  *Engine
	results <-chan grbl.Message
	index   int
	probes  []grbl.Probe
}

func (e *Engine) newRunner(name string) (*runner, func()) {
	results := e.messages.SubscribeMessages(name)
	return &runner{engine: e, results: results}, func() { e.messages.UnsubscribeMessages(name) }
}

func (r *runner) run(ctx context.Context, step Step) (*grbl.Probe, error) {
	logger := log.MustLogger(ctx)
	index := r.index
	r.index++
	logger.Info("Step", "index", index+1, "description", step.Description, "command", step.Command)
	result, err := r.engine.runStep(ctx, step, r.results)
	if err != nil {
		return nil, &StepError{Index: index, Step: step, Err: err}
	}
	if result != nil {
		r.probes = append(r.probes, *result)
	}
	return result, nil
}

func (e *Engine) runLocked(ctx context.Context, sequence Sequence) ([]grbl.Probe, error) {
	r, unsubscribe := e.newRunner(fmt.Sprintf("probe-%p", &sequence))
	defer unsubscribe()
	for _, step := range sequence {
		if _, err := r.run(ctx, step); err != nil {
			return r.probes, err
		}
	}
	return r.probes, nil
}

// Run executes sequence in order and returns the result of each probing step. The first failing
// step, rejected or timed out, aborts the remaining ones and is returned as a *StepError.
func (e *Engine) Run(ctx context.Context, sequence Sequence) ([]grbl.Probe, error) {
	ctx, _ = log.MustWithGroup(ctx, "Probe")
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.runLocked(ctx, sequence)
}

// Measurement is the consensus position of an edge. Only Measure produces valid ones.
type Measurement struct {
	Axis string
	// Position is the edge in machine coordinates.
	Position float64
	Touches  []float64
	valid    bool
}

func move(axis string, distance float64, feed float64, probing bool) string {
	var buf strings.Builder
	buf.WriteString("G91")
	if probing {
		buf.WriteString("G38.2")
	} else {
		buf.WriteString("G1")
	}
	fmt.Fprintf(&buf, "%s%sF%s", axis, iFmt.SprintFloat(distance, 4), iFmt.SprintFloat(feed, 4))
	return buf.String()
}

// edgeMove builds a relative move along axis from position, clamped to the axis travel. A move
// clamped to nothing fails.
func (e *Engine) edgeMove(
	axis string, position, distance, maxTravel, feed float64, probing bool, description string,
) (Step, float64, error) {
	clamped := ClampTravel(position, distance, maxTravel, e.options.Margin)
	if clamped == 0 {
		return Step{}, 0, fmt.Errorf("probe: %s: %s at travel limit", description, axis)
	}
	return Step{
		Command:     move(axis, clamped, feed, probing),
		Description: description,
		Wait:        Wait{WaitForIdle: true},
		Probe:       probing,
	}, clamped, nil
}

// touchPosition is the axis coordinate of a successful probing step.
func touchPosition(axis string, result *grbl.Probe) (float64, error) {
	if result == nil || result.Coordinates.GetAxis(axis) == nil {
		return 0, fmt.Errorf("probe: result missing %s", axis)
	}
	return *result.Coordinates.GetAxis(axis), nil
}

// measureMoves probes the edge from position: coarse approach, then retract and fine touch for
// each touch, then a final retract. Every move is relative and clamped from the last known
// position, which is the previous touch once there is one. Distance mode is restored to absolute
// however the moves end.
//
//gocyclo:ignore
func (e *Engine) measureMoves(
	ctx context.Context, axis string, direction int, position, maxTravel float64,
) (touches []float64, err error) {
	dir := float64(direction)
	seek, _, err := e.edgeMove(axis, position, dir*e.options.SearchDistance, maxTravel, e.options.SeekFeed, true, "coarse approach")
	if err != nil {
		return nil, err
	}

	r, unsubscribe := e.newRunner(fmt.Sprintf("measure-%p", &touches))
	defer unsubscribe()
	defer func() {
		if _, restoreErr := r.run(ctx, Step{Command: "G90", Description: "absolute distance mode"}); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
	}()

	result, err := r.run(ctx, seek)
	if err != nil {
		return nil, err
	}
	edge, err := touchPosition(axis, result)
	if err != nil {
		return nil, err
	}
	for i := range e.options.Touches {
		retract, retracted, err := e.edgeMove(axis, edge, -dir*e.options.Retract, maxTravel, e.options.SeekFeed, false, fmt.Sprintf("retract %d", i+1))
		if err != nil {
			return nil, err
		}
		if _, err := r.run(ctx, retract); err != nil {
			return nil, err
		}
		fine, _, err := e.edgeMove(axis, edge+retracted, -2*retracted, maxTravel, e.options.LatchFeed, true, fmt.Sprintf("fine touch %d", i+1))
		if err != nil {
			return nil, err
		}
		result, err := r.run(ctx, fine)
		if err != nil {
			return nil, err
		}
		if edge, err = touchPosition(axis, result); err != nil {
			return nil, err
		}
		touches = append(touches, edge)
	}
	retract, _, err := e.edgeMove(axis, edge, -dir*e.options.Retract, maxTravel, e.options.SeekFeed, false, "final retract")
	if err != nil {
		return nil, err
	}
	if _, err := r.run(ctx, retract); err != nil {
		return nil, err
	}
	return touches, nil
}

func (e *Engine) measureLocked(ctx context.Context, axis string, direction int) (Measurement, error) {
	logger := log.MustLogger(ctx)
	if !slices.Contains(grbl.Axes, axis) {
		return Measurement{}, fmt.Errorf("probe: invalid axis %#v", axis)
	}
	if direction != 1 && direction != -1 {
		return Measurement{}, fmt.Errorf("probe: invalid direction %d", direction)
	}
	if mode := e.synchronizer.Mode(); mode != grbl.StateIdle {
		return Measurement{}, fmt.Errorf("probe: machine is %s, not Idle", mode)
	}
	position := e.synchronizer.Snapshot().MachinePosition.GetAxis(axis)
	if position == nil {
		return Measurement{}, fmt.Errorf("probe: unknown %s position", axis)
	}
	maxTravel, _ := e.settings.Settings().MaxTravel(axis)

	touches, err := e.measureMoves(ctx, axis, direction, *position, maxTravel)
	if err != nil {
		return Measurement{}, err
	}
	value, err := Consensus(touches, e.options.Tolerance)
	if err != nil {
		return Measurement{}, err
	}
	logger.Info("Edge measured", "axis", axis, "position", value, "touches", touches)
	return Measurement{Axis: axis, Position: value, Touches: touches, valid: true}, nil
}

// Measure finds the edge along axis in direction (1 or -1) with a coarse approach followed by fine
// touches, accepted only when touches agree within tolerance.
func (e *Engine) Measure(ctx context.Context, axis string, direction int) (Measurement, error) {
	ctx, _ = log.MustWithGroup(ctx, "Probe")
	release, err := e.acquire()
	if err != nil {
		return Measurement{}, err
	}
	defer release()
	return e.measureLocked(ctx, axis, direction)
}

// SetWorkOffset sets the active work coordinate system so the measured edge is at offset.
func (e *Engine) SetWorkOffset(ctx context.Context, measurement Measurement, offset float64) error {
	logger := log.MustLogger(ctx)
	if !measurement.valid {
		return ErrNotMeasured
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	position := e.synchronizer.Snapshot().MachinePosition.GetAxis(measurement.Axis)
	if position == nil {
		return fmt.Errorf("probe: unknown %s position", measurement.Axis)
	}
	value := offset + *position - measurement.Position
	command := fmt.Sprintf("G10L20P0%s%s", measurement.Axis, iFmt.SprintFloat(value, 4))
	logger.Info("Setting work offset", "command", command)
	if err := e.queue.SendWithConfirmation(ctx, command, "probe", e.options.StepTimeout); err != nil {
		return fmt.Errorf("probe: set work offset: %w", err)
	}
	return nil
}

// ProbeHeightMap probes every point of h, moving over it at safeZ in work coordinates.
func (e *Engine) ProbeHeightMap(ctx context.Context, h *HeightMap, safeZ float64) error {
	ctx, _ = log.MustWithGroup(ctx, "Height Map")
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	return h.Probe(ctx, func(ctx context.Context, x, y float64) (float64, error) {
		sequence := Sequence{
			{Command: "G90G0Z" + iFmt.SprintFloat(safeZ, 4), Description: "safe height", Wait: Wait{WaitForIdle: true}},
			{
				Command:     "G90G0X" + iFmt.SprintFloat(x, 4) + "Y" + iFmt.SprintFloat(y, 4),
				Description: "move to point",
				Wait:        Wait{WaitForIdle: true},
			},
		}
		if _, err := e.runLocked(ctx, sequence); err != nil {
			return 0, err
		}
		measurement, err := e.measureLocked(ctx, "Z", -1)
		if err != nil {
			return 0, fmt.Errorf("probe: point %s,%s: %w", iFmt.SprintFloat(x, 4), iFmt.SprintFloat(y, 4), err)
		}
		wco := e.synchronizer.Snapshot().WorkCoordinateOffset
		if wco == nil {
			return measurement.Position, nil
		}
		return measurement.Position - wco.Z, nil
	})
}
