// Package transport owns the link to the controller: opening the port, the connection handshake,
// reconnection, and turning the byte stream into lines.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/broker"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/retry"
)

// ErrConnection is wrapped by every error caused by the link being lost or the handshake failing.
var ErrConnection = errors.New("transport: connection error")

// Port is the subset of serial.Port used by the transport. Read must return (0, nil) when the read
// timeout expires without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// OpenPortFn opens a fresh port for each connection attempt.
type OpenPortFn func(ctx context.Context) (Port, error)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

var stateNames = map[State]string{
	StateDisconnected: "Disconnected",
	StateConnecting:   "Connecting",
	StateHandshaking:  "Handshaking",
	StateReady:        "Ready",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	panic(fmt.Sprintf("bug: unknown transport state: %d", s))
}

// Handshake is what was learned about the controller while connecting.
type Handshake struct {
	Firmware grbl.Firmware
	// Banner is the welcome message, empty when none was seen.
	Banner  string
	Version string
	// BufferCapacity is the usable receive buffer for character counting.
	BufferCapacity int
	Settings       grbl.Settings
	// Degraded is set when no welcome banner was seen within the handshake timeout, and legacy
	// defaults were assumed.
	Degraded bool
}

// Event reports a connection state change. Handshake is set on Ready, Err on Disconnected after a
// failure.
type Event struct {
	State     State
	Handshake *Handshake
	Err       error
	At        time.Time
}

type Options struct {
	// HandshakeTimeout bounds the wait for the welcome banner.
	HandshakeTimeout time.Duration
	// CommandTimeout bounds each handshake query ($I, $$).
	CommandTimeout time.Duration
	// ReadTimeout is the port polling interval.
	ReadTimeout time.Duration
	Reconnect   retry.Policy
	// BufferCapacity, when non zero, overrides the detected receive buffer capacity.
	BufferCapacity int
	// OnEvent is called synchronously from Run for every state change, before any line received
	// in the new state is delivered.
	OnEvent func(ctx context.Context, event Event)
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		CommandTimeout:   5 * time.Second,
		ReadTimeout:      100 * time.Millisecond,
		Reconnect: retry.Policy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
		},
	}
}

// Transport keeps a connection to the controller up. Received lines are delivered on a single
// channel that stays the same across reconnections.
type Transport struct {
	openPort OpenPortFn
	options  Options

	mu        sync.Mutex
	port      Port
	state     State
	handshake *Handshake

	writeMu sync.Mutex
	lines   chan string
	events  *broker.Broker[Event]
}

func NewTransport(openPort OpenPortFn, options Options) *Transport {
	defaults := DefaultOptions()
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if options.CommandTimeout == 0 {
		options.CommandTimeout = defaults.CommandTimeout
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = defaults.ReadTimeout
	}
	if options.Reconnect.InitialBackoff == 0 {
		options.Reconnect.InitialBackoff = defaults.Reconnect.InitialBackoff
		options.Reconnect.MaxBackoff = defaults.Reconnect.MaxBackoff
		options.Reconnect.Multiplier = defaults.Reconnect.Multiplier
	}
	return &Transport{
		openPort: openPort,
		options:  options,
		lines:    make(chan string, 1024),
		events:   broker.NewBroker[Event](),
	}
}

// Lines returns the stream of lines received while Ready, without line terminators.
func (t *Transport) Lines() <-chan string {
	return t.lines
}

// Subscribe returns a channel of connection events.
func (t *Transport) Subscribe(name string) <-chan Event {
	return t.events.Subscribe(name, 16)
}

func (t *Transport) Unsubscribe(name string) {
	t.events.Unsubscribe(name)
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Handshake returns the result of the current connection handshake, or nil when not Ready.
func (t *Transport) Handshake() *Handshake {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake
}

// Send writes data to the controller. It fails unless the connection is Ready.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	port := t.port
	ready := t.state == StateReady
	t.mu.Unlock()
	if !ready || port == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	return t.write(ctx, port, data)
}

func (t *Transport) write(ctx context.Context, port Port, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	logger := log.MustLogger(ctx)
	logger.Debug("Write", "data", string(data))
	n, err := port.Write(data)
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnection, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write: %d of %d bytes", ErrConnection, n, len(data))
	}
	return nil
}

func (t *Transport) setState(ctx context.Context, state State, port Port, handshake *Handshake, err error) {
	t.mu.Lock()
	t.state = state
	t.port = port
	t.handshake = handshake
	t.mu.Unlock()

	event := Event{
		State:     state,
		Handshake: handshake,
		Err:       err,
		At:        time.Now(),
	}
	if t.options.OnEvent != nil {
		t.options.OnEvent(ctx, event)
	}
	t.events.Publish(event)
}

// Run connects and keeps reconnecting with backoff until ctx is done, or until the reconnect
// attempts limit is reached. Consecutive failures are reset once a connection becomes Ready.
func (t *Transport) Run(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Transport")
	defer t.events.Close()

	failures := 0
	for {
		ready, err := t.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if ready {
			failures = 0
		}
		failures++
		if t.options.Reconnect.Attempts > 0 && failures >= t.options.Reconnect.Attempts {
			return fmt.Errorf("transport: giving up after %d attempts: %w", failures, err)
		}
		backoff := t.options.Reconnect.Backoff(failures)
		logger.Warn("Connection lost, reconnecting", "err", err, "backoff", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

type reader struct {
	lines chan string
	errCh chan error
	done  chan struct{}
}

func (t *Transport) startReader(ctx context.Context, port Port) *reader {
	r := &reader{
		lines: make(chan string, 64),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		logger := log.MustLogger(ctx)
		buf := make([]byte, 256)
		var pending []byte
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := port.Read(buf)
			if err != nil {
				r.errCh <- fmt.Errorf("%w: read: %w", ErrConnection, err)
				return
			}
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				logger.Debug("Read", "line", line)
				select {
				case r.lines <- line:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return r
}

//gocyclo:ignore
func (t *Transport) connect(ctx context.Context) (ready bool, err error) {
	logger := log.MustLogger(ctx)

	t.setState(ctx, StateConnecting, nil, nil, nil)
	port, err := t.openPort(ctx)
	if err != nil {
		err = fmt.Errorf("%w: open: %w", ErrConnection, err)
		t.setState(ctx, StateDisconnected, nil, nil, err)
		return false, err
	}
	if err := port.SetReadTimeout(t.options.ReadTimeout); err != nil {
		err = errors.Join(fmt.Errorf("%w: set read timeout: %w", ErrConnection, err), port.Close())
		t.setState(ctx, StateDisconnected, nil, nil, err)
		return false, err
	}

	readerCtx, cancel := context.WithCancel(ctx)
	r := t.startReader(readerCtx, port)
	defer func() {
		cancel()
		if closeErr := port.Close(); closeErr != nil {
			logger.Debug("Close port", "err", closeErr)
		}
		<-r.done
		if ctx.Err() != nil {
			err = nil
		}
		t.setState(ctx, StateDisconnected, nil, nil, err)
	}()

	t.setState(ctx, StateHandshaking, port, nil, nil)
	handshake, err := t.doHandshake(ctx, port, r)
	if err != nil {
		return false, err
	}
	logger.Info("Connected",
		"firmware", handshake.Firmware, "version", handshake.Version,
		"buffer_capacity", handshake.BufferCapacity, "degraded", handshake.Degraded,
	)
	t.setState(ctx, StateReady, port, handshake, nil)

	for {
		select {
		case line := <-r.lines:
			select {
			case t.lines <- line:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		case err := <-r.errCh:
			return true, err
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// waitBanner waits for the welcome message. Lines before it are noise from a previous session.
func (t *Transport) waitBanner(ctx context.Context, r *reader) (*grbl.WelcomePushMessage, error) {
	logger := log.MustLogger(ctx)
	timer := time.NewTimer(t.options.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case line := <-r.lines:
			if welcome, ok := grbl.ParseLine(line).(*grbl.WelcomePushMessage); ok {
				return welcome, nil
			}
			logger.Debug("Ignoring line before banner", "line", line)
		case err := <-r.errCh:
			return nil, err
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// query sends a system command and returns every message received until its response.
func (t *Transport) query(ctx context.Context, port Port, r *reader, command string) ([]grbl.Message, error) {
	if err := t.write(ctx, port, []byte(command+"\n")); err != nil {
		return nil, err
	}
	timer := time.NewTimer(t.options.CommandTimeout)
	defer timer.Stop()
	messages := []grbl.Message{}
	for {
		select {
		case line := <-r.lines:
			message := grbl.ParseLine(line)
			if response, ok := message.(*grbl.ResponseMessage); ok {
				if err := response.Error(); err != nil {
					return messages, fmt.Errorf("transport: %s: %w", command, err)
				}
				return messages, nil
			}
			messages = append(messages, message)
		case err := <-r.errCh:
			return nil, err
		case <-timer.C:
			return nil, fmt.Errorf("%w: handshake timeout waiting response to %s", ErrConnection, command)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

//gocyclo:ignore
func (t *Transport) doHandshake(ctx context.Context, port Port, r *reader) (*Handshake, error) {
	logger := log.MustLogger(ctx)

	handshake := &Handshake{}
	welcome, err := t.waitBanner(ctx, r)
	if err != nil {
		return nil, err
	}
	if welcome == nil {
		logger.Warn("No welcome banner, assuming legacy defaults", "timeout", t.options.HandshakeTimeout)
		handshake.Degraded = true
	} else {
		handshake.Banner = welcome.Message
		handshake.Firmware = welcome.Firmware
		handshake.Version = welcome.Version
	}

	var optionsCapacity int
	messages, err := t.query(ctx, port, r, grbl.SystemCommandViewBuildInfo)
	if err != nil {
		if errors.Is(err, ErrConnection) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("Build info query failed", "err", err)
	}
	for _, message := range messages {
		switch m := message.(type) {
		case *grbl.VersionPushMessage:
			if handshake.Firmware == grbl.FirmwareUnknown {
				handshake.Firmware = m.Firmware()
			}
			if handshake.Version == "" {
				handshake.Version = m.Version
			}
		case *grbl.CompileTimeOptionsPushMessage:
			optionsCapacity = m.BufferCapacity()
		}
	}

	messages, err = t.query(ctx, port, r, grbl.SystemCommandViewSettings)
	if err != nil {
		if errors.Is(err, ErrConnection) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn("Settings query failed", "err", err)
	}
	collector := grbl.NewSettingsCollector()
	for _, message := range messages {
		if !collector.Add(message) {
			logger.Debug("Ignoring handshake message", "message", message.String())
		}
	}
	handshake.Settings = collector.Settings()

	switch {
	case t.options.BufferCapacity > 0:
		handshake.BufferCapacity = t.options.BufferCapacity
	case optionsCapacity > 0:
		handshake.BufferCapacity = optionsCapacity
	case handshake.Degraded:
		handshake.BufferCapacity = grbl.LegacyBufferCapacity
	default:
		handshake.BufferCapacity = handshake.Firmware.DefaultBufferCapacity()
	}

	return handshake, nil
}
