// Package jog moves axes interactively, either continuously until stopped or by fixed steps. A
// single jog may be active at a time.
package jog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
	iFmt "github.com/fornellas/grblctl/internal/fmt"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/status"
)

var (
	// ErrJogActive is returned for a jog request while a different jog is active.
	ErrJogActive = errors.New("jog: another jog is active")
	ErrNotReady  = errors.New("jog: machine not ready")
	ErrAtLimit   = errors.New("jog: axis at soft limit")
)

type Mode int

const (
	ModeContinuous Mode = iota
	ModeStep
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "Continuous"
	case ModeStep:
		return "Step"
	}
	panic(fmt.Sprintf("bug: unknown jog mode: %d", m))
}

// Request asks for a jog along one axis.
type Request struct {
	Axis string
	// Direction is 1 or -1.
	Direction int
	// Feed in mm/min, 0 uses the configured axis feed.
	Feed float64
	// Distance in mm for step jogs, 0 uses the configured axis step.
	Distance float64
}

func (r Request) validate() error {
	if !slices.Contains(grbl.Axes, r.Axis) {
		return fmt.Errorf("jog: invalid axis %#v", r.Axis)
	}
	if r.Direction != 1 && r.Direction != -1 {
		return fmt.Errorf("jog: invalid direction %d", r.Direction)
	}
	if r.Feed < 0 || r.Distance < 0 {
		return fmt.Errorf("jog: feed and distance must not be negative")
	}
	return nil
}

type Options struct {
	// Feeds maps axes to their jog feed in mm/min.
	Feeds       map[string]float64
	DefaultFeed float64
	// Steps maps axes to their step distance in mm.
	Steps       map[string]float64
	DefaultStep float64
	// ContinuousDistance is the continuous jog length when the axis max travel is unknown.
	ContinuousDistance float64
	// SoftLimitMargin is kept between a continuous jog target and the soft limit.
	SoftLimitMargin float64
}

func DefaultOptions() Options {
	return Options{
		Feeds:              map[string]float64{},
		DefaultFeed:        1000,
		Steps:              map[string]float64{},
		DefaultStep:        1,
		ContinuousDistance: 1000,
		SoftLimitMargin:    0.5,
	}
}

// SettingsProvider gives the controller settings read on connection.
type SettingsProvider interface {
	Settings() grbl.Settings
}

type active struct {
	request Request
	mode    Mode
	release func()
	done    chan struct{}
	once    sync.Once
}

func (a *active) finish() {
	a.once.Do(func() {
		close(a.done)
		a.release()
	})
}

type Controller struct {
	queue        *queue.Queue
	synchronizer *status.Synchronizer
	poller       *status.Poller
	settings     SettingsProvider
	options      Options

	mu     sync.Mutex
	active *active
}

func New(
	q *queue.Queue,
	synchronizer *status.Synchronizer,
	poller *status.Poller,
	settings SettingsProvider,
	options Options,
) *Controller {
	defaults := DefaultOptions()
	if options.DefaultFeed == 0 {
		options.DefaultFeed = defaults.DefaultFeed
	}
	if options.DefaultStep == 0 {
		options.DefaultStep = defaults.DefaultStep
	}
	if options.ContinuousDistance == 0 {
		options.ContinuousDistance = defaults.ContinuousDistance
	}
	if options.SoftLimitMargin == 0 {
		options.SoftLimitMargin = defaults.SoftLimitMargin
	}
	return &Controller{
		queue:        q,
		synchronizer: synchronizer,
		poller:       poller,
		settings:     settings,
		options:      options,
	}
}

// Active returns the active jog request, if any.
func (c *Controller) Active() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Request{}, false
	}
	return c.active.request, true
}

func (c *Controller) feed(request Request, settings grbl.Settings) float64 {
	feed := request.Feed
	if feed == 0 {
		var ok bool
		if feed, ok = c.options.Feeds[request.Axis]; !ok {
			feed = c.options.DefaultFeed
		}
	}
	if maxRate, ok := settings.MaxRate(request.Axis); ok && maxRate > 0 && feed > maxRate {
		feed = maxRate
	}
	return feed
}

// continuousDistance returns how far a continuous jog may go: up to the soft limit when enabled
// and the position is known, otherwise the axis max travel.
func (c *Controller) continuousDistance(request Request, settings grbl.Settings) (float64, error) {
	maxTravel, ok := settings.MaxTravel(request.Axis)
	if !ok || maxTravel <= 0 {
		return c.options.ContinuousDistance, nil
	}
	if !settings.SoftLimits() {
		return maxTravel, nil
	}
	position := c.synchronizer.Snapshot().MachinePosition.GetAxis(request.Axis)
	if position == nil {
		return maxTravel, nil
	}
	// Machine space spans [-maxTravel, 0] after homing.
	var distance float64
	if request.Direction > 0 {
		distance = -*position - c.options.SoftLimitMargin
	} else {
		distance = maxTravel + *position - c.options.SoftLimitMargin
	}
	if distance <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrAtLimit, request.Axis)
	}
	return min(distance, maxTravel), nil
}

func command(request Request, distance, feed float64) string {
	var buf strings.Builder
	buf.WriteString(grbl.SystemCommandJogPrefix)
	buf.WriteString("G91G21")
	fmt.Fprintf(&buf, "%s%s", request.Axis, iFmt.SprintFloat(float64(request.Direction)*distance, 4))
	fmt.Fprintf(&buf, "F%s", iFmt.SprintFloat(feed, 4))
	return buf.String()
}

func (c *Controller) checkMode() error {
	switch mode := c.synchronizer.Mode(); mode {
	case grbl.StateIdle, grbl.StateJog:
		return nil
	case grbl.StateAlarm:
		return fmt.Errorf("jog: %w", status.ErrAlarm)
	default:
		return fmt.Errorf("%w: %s", ErrNotReady, mode)
	}
}

// reserveLocked checks whether request may start and registers it as active.
func (c *Controller) reserveLocked(request Request, mode Mode) (*active, error) {
	if c.active != nil {
		return nil, fmt.Errorf("%w: %s %s%+d", ErrJogActive, c.active.mode, c.active.request.Axis, c.active.request.Direction)
	}
	if err := c.checkMode(); err != nil {
		return nil, err
	}
	release, err := c.poller.Acquire("jog", status.CadenceFast)
	if err != nil {
		return nil, fmt.Errorf("jog: %w", err)
	}
	c.active = &active{
		request: request,
		mode:    mode,
		release: release,
		done:    make(chan struct{}),
	}
	return c.active, nil
}

func (c *Controller) clear(a *active) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == a {
		c.active = nil
	}
	a.finish()
}

// Start begins a continuous jog, which goes on until Stop. Repeating the active request is a
// no-op, and any other request fails with ErrJogActive.
func (c *Controller) Start(ctx context.Context, request Request) error {
	logger := log.MustLogger(ctx)
	if err := request.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.mode == ModeContinuous &&
		c.active.request.Axis == request.Axis && c.active.request.Direction == request.Direction {
		return nil
	}
	a, err := c.reserveLocked(request, ModeContinuous)
	if err != nil {
		return err
	}

	settings := c.settings.Settings()
	distance, err := c.continuousDistance(request, settings)
	if err != nil {
		c.active = nil
		a.finish()
		return err
	}
	text := command(request, distance, c.feed(request, settings))
	cmd, err := c.queue.Enqueue(ctx, text, "jog")
	if err != nil {
		c.active = nil
		a.finish()
		return fmt.Errorf("jog: %w", err)
	}
	logger.Info("Jog started", "command", text)
	go c.watch(context.WithoutCancel(ctx), a, cmd)
	return nil
}

// watch clears a continuous jog that was rejected or ended on its own.
func (c *Controller) watch(ctx context.Context, a *active, cmd *queue.Command) {
	logger := log.MustLogger(ctx)
	select {
	case <-cmd.Done():
	case <-a.done:
		return
	}
	if err := cmd.Err(); err != nil {
		logger.Warn("Jog rejected", "command", cmd.Text, "err", err)
		c.clear(a)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		c.poller.Kick()
		state, err := c.synchronizer.AwaitReport(ctx)
		if err != nil {
			return
		}
		if state.Mode != grbl.StateJog && state.Mode != grbl.StateUnknown {
			logger.Debug("Jog ended", "mode", state.Mode)
			c.clear(a)
			return
		}
	}
}

// Stop cancels the active continuous jog. It is a no-op when nothing is jogging, so it is always
// safe to call on any path that ends a jog.
func (c *Controller) Stop(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	c.mu.Lock()
	a := c.active
	if a == nil || a.mode != ModeContinuous {
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.mu.Unlock()

	defer a.finish()
	logger.Info("Jog stopped")
	if err := c.queue.SendRealtime(ctx, grbl.RealTimeCommandJogCancel); err != nil {
		return fmt.Errorf("jog: stop: %w", err)
	}
	c.poller.Kick()
	return nil
}

// Hold runs a continuous jog for as long as ctx lasts. The jog is stopped however ctx ends.
func (c *Controller) Hold(ctx context.Context, request Request) error {
	if err := c.Start(ctx, request); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.WithoutCancel(ctx))
}

// Step moves one axis by a fixed distance and waits for the controller to accept the move.
func (c *Controller) Step(ctx context.Context, request Request) error {
	logger := log.MustLogger(ctx)
	if err := request.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	a, err := c.reserveLocked(request, ModeStep)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	defer c.clear(a)

	distance := request.Distance
	if distance == 0 {
		var ok bool
		if distance, ok = c.options.Steps[request.Axis]; !ok {
			distance = c.options.DefaultStep
		}
	}
	feed := c.feed(request, c.settings.Settings())
	text := command(request, distance, feed)
	logger.Info("Step jog", "command", text)
	if err := c.queue.SendWithConfirmation(ctx, text, "jog", queue.ConfirmationTimeout(distance, feed)); err != nil {
		return fmt.Errorf("jog: step: %w", err)
	}
	return nil
}
