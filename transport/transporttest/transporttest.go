// Package transporttest provides an in-memory port and a scripted controller for tests.
package transporttest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/grblctl/grbl"
)

var ErrClosed = errors.New("transporttest: port closed")

// FakePort is an in-memory transport.Port. Data given to Feed becomes readable; everything written
// is recorded and, when a Responder is set, answered.
type FakePort struct {
	mu          sync.Mutex
	readBuf     []byte
	written     bytes.Buffer
	closed      bool
	readTimeout time.Duration
	notify      chan struct{}
	responder   func(data []byte) string
}

// NewFakePort creates a port. responder may be nil.
func NewFakePort(responder func(data []byte) string) *FakePort {
	return &FakePort{
		readTimeout: 10 * time.Millisecond,
		notify:      make(chan struct{}, 1),
		responder:   responder,
	}
}

// Feed makes s readable.
func (p *FakePort) Feed(s string) {
	if s == "" {
		return
	}
	p.mu.Lock()
	p.readBuf = append(p.readBuf, s...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *FakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.getReadTimeout())
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		if len(p.readBuf) > 0 {
			n := copy(b, p.readBuf)
			p.readBuf = p.readBuf[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-p.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.written.Write(b)
	responder := p.responder
	p.mu.Unlock()
	if responder != nil {
		p.Feed(responder(b))
	}
	return len(b), nil
}

func (p *FakePort) getReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *FakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Written returns everything written so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Controller simulates a Grbl controller: it answers the handshake queries, acknowledges every
// line, reports status on '?' and reacts to realtime commands. Hooks allow tests to script
// rejections and state changes.
type Controller struct {
	mu       sync.Mutex
	Banner   string
	Version  string
	Options  string
	Settings []string
	state    string
	mpos     string
	wco      string
	lines    []string
	pending  []byte
	// Respond, when set, answers a received line instead of the default "ok". Returning "" falls
	// back to the default.
	Respond func(line string) string
}

func NewController() *Controller {
	return &Controller{
		Banner:  "Grbl 1.1h ['$' for help]",
		Version: "[VER:1.1h.20190825:]",
		Options: "[OPT:V,15,128]",
		Settings: []string{
			"$20=0",
			"$110=5000.000",
			"$111=5000.000",
			"$112=1000.000",
			"$130=300.000",
			"$131=200.000",
			"$132=80.000",
		},
		state: "Idle",
		mpos:  "0.000,0.000,0.000",
		wco:   "0.000,0.000,0.000",
	}
}

func (c *Controller) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SetMachinePosition(mpos string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mpos = mpos
}

// SetWorkCoordinateOffset sets the offset between machine and work positions.
func (c *Controller) SetWorkCoordinateOffset(wco string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wco = wco
}

// Lines returns every line received, in order.
func (c *Controller) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// WelcomeMessage is what the controller prints on power up or reset.
func (c *Controller) WelcomeMessage() string {
	return "\r\n" + c.Banner + "\r\n"
}

// Port returns a FakePort wired to the controller, which already printed its banner.
func (c *Controller) Port() *FakePort {
	port := NewFakePort(c.Receive)
	if c.Banner != "" {
		port.Feed(c.WelcomeMessage())
	}
	return port
}

//gocyclo:ignore
func (c *Controller) realtime(b byte) string {
	switch grbl.RealTimeCommand(b) {
	case grbl.RealTimeCommandStatusReportQuery:
		return fmt.Sprintf("<%s|MPos:%s|FS:0,0|WCO:%s>\r\n", c.state, c.mpos, c.wco)
	case grbl.RealTimeCommandFeedHold:
		if c.state == "Run" || c.state == "Jog" || c.state == "Idle" {
			c.state = "Hold:0"
		}
	case grbl.RealTimeCommandCycleStartResume:
		if strings.HasPrefix(c.state, "Hold") {
			c.state = "Idle"
		}
	case grbl.RealTimeCommandJogCancel:
		if c.state == "Jog" {
			c.state = "Idle"
		}
	case grbl.RealTimeCommandSoftReset:
		c.pending = nil
		if c.state == "Run" || c.state == "Jog" || c.state == "Alarm" {
			c.state = "Alarm"
		} else {
			c.state = "Idle"
		}
		s := c.WelcomeMessage()
		if c.state == "Alarm" {
			s += "[MSG:'$H'|'$X' to unlock]\r\n"
		}
		return s
	}
	return ""
}

//gocyclo:ignore
func (c *Controller) line(line string) string {
	c.lines = append(c.lines, line)
	if c.Respond != nil {
		respond := c.Respond
		c.mu.Unlock()
		reply := respond(line)
		c.mu.Lock()
		if reply != "" {
			return reply
		}
	}
	switch {
	case line == grbl.SystemCommandViewBuildInfo:
		return c.Version + "\r\n" + c.Options + "\r\nok\r\n"
	case line == grbl.SystemCommandViewSettings:
		return strings.Join(c.Settings, "\r\n") + "\r\nok\r\n"
	case line == grbl.SystemCommandKillAlarmLock:
		if c.state == "Alarm" {
			c.state = "Idle"
			return "[MSG:Caution: Unlocked]\r\nok\r\n"
		}
		return "ok\r\n"
	case strings.HasPrefix(line, grbl.SystemCommandJogPrefix):
		if c.state == "Alarm" {
			return "error:9\r\n"
		}
		c.state = "Jog"
		return "ok\r\n"
	}
	if c.state == "Alarm" {
		return "error:9\r\n"
	}
	return "ok\r\n"
}

// Receive is the FakePort responder.
func (c *Controller) Receive(data []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var reply strings.Builder
	for _, b := range data {
		if _, err := grbl.NewRealTimeCommand(b); err == nil {
			reply.WriteString(c.realtime(b))
			continue
		}
		if b == '\n' {
			line := strings.TrimRight(string(c.pending), "\r")
			c.pending = nil
			reply.WriteString(c.line(line))
			continue
		}
		c.pending = append(c.pending, b)
	}
	return reply.String()
}
