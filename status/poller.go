package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
)

// ErrBusy is returned when another owner already drives the poller.
var ErrBusy = errors.New("status: poller already acquired")

type Cadence int

const (
	CadenceSlow Cadence = iota
	CadenceMedium
	CadenceFast
)

var cadenceNames = map[Cadence]string{
	CadenceSlow:   "Slow",
	CadenceMedium: "Medium",
	CadenceFast:   "Fast",
}

func (c Cadence) String() string {
	if name, ok := cadenceNames[c]; ok {
		return name
	}
	panic(fmt.Sprintf("bug: unknown cadence: %d", c))
}

// RealtimeSender sends real time commands.
type RealtimeSender interface {
	SendRealtime(ctx context.Context, command grbl.RealTimeCommand) error
}

// Backlog tells whether commands are waiting for acknowledgement.
type Backlog interface {
	Unacknowledged() int
}

type PollerOptions struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
	// StaleAfter is how long without a report before warning.
	StaleAfter time.Duration
}

func DefaultPollerOptions() PollerOptions {
	return PollerOptions{
		Fast:       25 * time.Millisecond,
		Medium:     75 * time.Millisecond,
		Slow:       500 * time.Millisecond,
		StaleAfter: 3 * time.Second,
	}
}

// Poller is the only loop sending status queries. Callers that need faster updates register as
// its owner, one at a time, instead of polling on their own.
type Poller struct {
	sender       RealtimeSender
	synchronizer *Synchronizer
	backlog      Backlog
	options      PollerOptions

	mu           sync.Mutex
	owner        string
	ownerCadence Cadence
	kick         chan struct{}
}

func NewPoller(sender RealtimeSender, synchronizer *Synchronizer, backlog Backlog, options PollerOptions) *Poller {
	defaults := DefaultPollerOptions()
	if options.Fast == 0 {
		options.Fast = defaults.Fast
	}
	if options.Medium == 0 {
		options.Medium = defaults.Medium
	}
	if options.Slow == 0 {
		options.Slow = defaults.Slow
	}
	if options.StaleAfter == 0 {
		options.StaleAfter = defaults.StaleAfter
	}
	return &Poller{
		sender:       sender,
		synchronizer: synchronizer,
		backlog:      backlog,
		options:      options,
		kick:         make(chan struct{}, 1),
	}
}

// Acquire registers owner as the poller authority with a minimum cadence. It fails with ErrBusy
// while another owner holds it. The returned release function is idempotent.
func (p *Poller) Acquire(owner string, cadence Cadence) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner != "" {
		return nil, fmt.Errorf("%w by %s", ErrBusy, p.owner)
	}
	p.owner = owner
	p.ownerCadence = cadence
	p.Kick()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.owner = ""
			p.ownerCadence = CadenceSlow
		})
	}, nil
}

// Owner returns the current owner, or "".
func (p *Poller) Owner() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// Kick asks for a status query right away.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Cadence returns the current polling cadence: fast while jogging, medium while moving or while
// commands await acknowledgement, slow otherwise, and never slower than the owner asked for.
func (p *Poller) Cadence() Cadence {
	p.mu.Lock()
	cadence := p.ownerCadence
	p.mu.Unlock()

	switch p.synchronizer.Snapshot().Mode {
	case grbl.StateJog:
		cadence = max(cadence, CadenceFast)
	case grbl.StateRun, grbl.StateHold, grbl.StateHome, grbl.StateDoor, grbl.StateCheck:
		cadence = max(cadence, CadenceMedium)
	}
	if p.backlog != nil && p.backlog.Unacknowledged() > 0 {
		cadence = max(cadence, CadenceMedium)
	}
	return cadence
}

func (p *Poller) Interval() time.Duration {
	switch p.Cadence() {
	case CadenceFast:
		return p.options.Fast
	case CadenceMedium:
		return p.options.Medium
	default:
		return p.options.Slow
	}
}

// Run sends status queries until ctx is done. Send failures, such as while disconnected, are
// logged and polling goes on.
func (p *Poller) Run(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Poller")

	timer := time.NewTimer(0)
	defer timer.Stop()
	lastReports := p.synchronizer.Snapshot().Reports
	lastReportAt := time.Now()
	stale := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if err := p.sender.SendRealtime(ctx, grbl.RealTimeCommandStatusReportQuery); err != nil {
			logger.Debug("Status query failed", "err", err)
			lastReportAt = time.Now()
		} else {
			reports := p.synchronizer.Snapshot().Reports
			if reports != lastReports {
				lastReports = reports
				lastReportAt = time.Now()
				if stale {
					logger.Info("Status reports resumed")
					stale = false
				}
			} else if !stale && time.Since(lastReportAt) > p.options.StaleAfter {
				logger.Warn("No status report received", "since", lastReportAt)
				stale = true
			}
		}
		timer.Reset(p.Interval())
	}
}
