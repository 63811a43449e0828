// Package recovery brings the controller back from alarm and hold with bounded retries. It only
// clears the fault: nothing that was running before is ever resumed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/retry"
	"github.com/fornellas/grblctl/status"
)

var (
	// ErrHoldTimeout is returned when the machine could not be released from hold. It is left as is.
	ErrHoldTimeout = errors.New("recovery: hold release timed out")
	ErrSoftReset   = errors.New("recovery: soft reset")
)

type Options struct {
	Attempts int
	// SettleDelay is the wait after a soft reset, for the controller to restart.
	SettleDelay time.Duration
	// ReportTimeout bounds the wait for the status report checking an attempt.
	ReportTimeout time.Duration
	// CommandTimeout bounds the wait for the unlock acknowledgement.
	CommandTimeout time.Duration
	Backoff        time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attempts:       3,
		SettleDelay:    time.Second,
		ReportTimeout:  2 * time.Second,
		CommandTimeout: 5 * time.Second,
		Backoff:        250 * time.Millisecond,
	}
}

type Recovery struct {
	queue        *queue.Queue
	synchronizer *status.Synchronizer
	poller       *status.Poller
	lock         *oplock.Lock
	options      Options
}

func New(
	q *queue.Queue,
	synchronizer *status.Synchronizer,
	poller *status.Poller,
	lock *oplock.Lock,
	options Options,
) *Recovery {
	defaults := DefaultOptions()
	if options.Attempts == 0 {
		options.Attempts = defaults.Attempts
	}
	if options.SettleDelay == 0 {
		options.SettleDelay = defaults.SettleDelay
	}
	if options.ReportTimeout == 0 {
		options.ReportTimeout = defaults.ReportTimeout
	}
	if options.CommandTimeout == 0 {
		options.CommandTimeout = defaults.CommandTimeout
	}
	if options.Backoff == 0 {
		options.Backoff = defaults.Backoff
	}
	return &Recovery{
		queue:        q,
		synchronizer: synchronizer,
		poller:       poller,
		lock:         lock,
		options:      options,
	}
}

func (r *Recovery) policy() retry.Policy {
	return retry.Policy{
		Attempts:       r.options.Attempts,
		InitialBackoff: r.options.Backoff,
		Multiplier:     2,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// softReset restarts the controller, which also clears its receive buffer.
func (r *Recovery) softReset(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	logger.Info("Soft reset")
	if err := r.queue.SendRealtime(ctx, grbl.RealTimeCommandSoftReset); err != nil {
		return err
	}
	r.queue.Reset(ErrSoftReset)
	return sleep(ctx, r.options.SettleDelay)
}

// awaitMode waits for a fresh status report with a known mode.
func (r *Recovery) awaitMode(ctx context.Context) (status.MachineState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.options.ReportTimeout)
	defer cancel()
	for {
		r.poller.Kick()
		state, err := r.synchronizer.AwaitReport(ctx)
		if err != nil {
			return state, fmt.Errorf("recovery: waiting for status report: %w", err)
		}
		if state.Mode != grbl.StateUnknown {
			return state, nil
		}
	}
}

func (r *Recovery) unlock(ctx context.Context) error {
	err := r.queue.SendWithConfirmation(ctx, grbl.SystemCommandKillAlarmLock, "recovery", r.options.CommandTimeout)
	if err != nil {
		return fmt.Errorf("recovery: unlock: %w", err)
	}
	return nil
}

// Recover clears an alarm. It fails with oplock.ErrAlreadyRunning while another operation, such
// as a program run, holds the controller.
func (r *Recovery) Recover(ctx context.Context) error {
	release, err := r.lock.TryAcquire("recovery")
	if err != nil {
		return err
	}
	defer release()
	if releasePoller, err := r.poller.Acquire("recovery", status.CadenceMedium); err == nil {
		defer releasePoller()
	}
	return r.RecoverLocked(ctx)
}

// RecoverLocked clears an alarm, for callers already holding the operation lock. The first attempt
// unlocks; later ones soft reset and unlock. An attempt only succeeds once a status report fresher
// than it shows no alarm.
func (r *Recovery) RecoverLocked(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Recovery")

	err := retry.Do(ctx, r.policy(), func(ctx context.Context, attempt int) (bool, error) {
		logger.Info("Recovering from alarm", "attempt", attempt)
		if attempt > 1 {
			if err := r.softReset(ctx); err != nil {
				return false, err
			}
		}
		if r.synchronizer.Snapshot().Mode == grbl.StateAlarm || attempt > 1 {
			if err := r.unlock(ctx); err != nil {
				return false, err
			}
		}
		state, err := r.awaitMode(ctx)
		if err != nil {
			return false, err
		}
		if state.Mode == grbl.StateAlarm {
			return false, fmt.Errorf("recovery: %w", status.ErrAlarm)
		}
		return true, nil
	})
	if err != nil {
		logger.Error("Recovery failed", "err", err)
		return err
	}
	logger.Info("Recovered")
	return nil
}

// ReleaseHold releases a machine halted in feed hold: the planner is discarded with a soft reset,
// and the alarm it may raise is unlocked. It returns ErrHoldTimeout when the machine is still held
// once attempts are exhausted.
func (r *Recovery) ReleaseHold(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Hold Release")

	err := retry.Do(ctx, r.policy(), func(ctx context.Context, attempt int) (bool, error) {
		logger.Info("Releasing hold", "attempt", attempt)
		if err := r.softReset(ctx); err != nil {
			return false, err
		}
		state, err := r.awaitMode(ctx)
		if err != nil {
			return false, err
		}
		if state.Mode == grbl.StateAlarm {
			if err := r.unlock(ctx); err != nil {
				return false, err
			}
			if state, err = r.awaitMode(ctx); err != nil {
				return false, err
			}
		}
		switch state.Mode {
		case grbl.StateHold, grbl.StateDoor:
			return false, fmt.Errorf("machine still in %s", state.Mode)
		case grbl.StateAlarm:
			return false, fmt.Errorf("recovery: %w", status.ErrAlarm)
		}
		return true, nil
	})
	if err != nil {
		logger.Error("Hold release failed", "err", err)
		return fmt.Errorf("%w: %w", ErrHoldTimeout, err)
	}
	logger.Info("Hold released")
	return nil
}
