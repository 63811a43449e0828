// Package engine wires the transport, the command queue and the status model together: received
// lines are routed to the component owning them, and connection events reset the ones tied to a
// controller session.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/broker"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/oplock"
	"github.com/fornellas/grblctl/queue"
	"github.com/fornellas/grblctl/status"
	"github.com/fornellas/grblctl/transport"
	"github.com/fornellas/grblctl/worker_manager"
)

var (
	// ErrControllerReset flushes commands lost to a controller restart.
	ErrControllerReset = errors.New("engine: controller reset")
	// ErrDisconnected flushes commands lost to a dropped connection.
	ErrDisconnected = errors.New("engine: disconnected")
)

type Options struct {
	Transport transport.Options
	Status    status.Options
	Poller    status.PollerOptions
}

// Engine is the core shared by every operation on the controller.
type Engine struct {
	Transport    *transport.Transport
	Queue        *queue.Queue
	Synchronizer *status.Synchronizer
	Poller       *status.Poller
	Lock         *oplock.Lock

	onEvent  func(ctx context.Context, event transport.Event)
	messages *broker.Broker[grbl.Message]

	mu       sync.Mutex
	settings grbl.Settings
}

func New(openPort transport.OpenPortFn, options Options) *Engine {
	e := &Engine{
		Lock:     &oplock.Lock{},
		onEvent:  options.Transport.OnEvent,
		messages: broker.NewBroker[grbl.Message](),
		settings: grbl.Settings{},
	}
	transportOptions := options.Transport
	transportOptions.OnEvent = e.handleEvent
	e.Transport = transport.NewTransport(openPort, transportOptions)
	e.Queue = queue.NewQueue(e.Transport, grbl.LegacyBufferCapacity)
	e.Synchronizer = status.NewSynchronizer(options.Status)
	e.Poller = status.NewPoller(e.Queue, e.Synchronizer, e.Queue, options.Poller)
	return e
}

// Settings returns the settings read on the last handshake.
func (e *Engine) Settings() grbl.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.Copy()
}

// SubscribeMessages returns a channel receiving every parsed line, after it was routed.
func (e *Engine) SubscribeMessages(name string) <-chan grbl.Message {
	return e.messages.Subscribe(name, 64)
}

func (e *Engine) UnsubscribeMessages(name string) {
	e.messages.Unsubscribe(name)
}

func (e *Engine) handleEvent(ctx context.Context, event transport.Event) {
	switch event.State {
	case transport.StateReady:
		e.Queue.Reset(ErrControllerReset)
		e.Queue.SetCapacity(ctx, event.Handshake.BufferCapacity)
		e.mu.Lock()
		e.settings = event.Handshake.Settings.Copy()
		e.mu.Unlock()
		e.Synchronizer.Reset(ctx)
		e.Poller.Kick()
	case transport.StateDisconnected:
		e.Queue.Reset(ErrDisconnected)
		e.Synchronizer.Reset(ctx)
	}
	if e.onEvent != nil {
		e.onEvent(ctx, event)
	}
}

// HandleLine routes a received line. It is the only writer of the status model.
//
//gocyclo:ignore
func (e *Engine) HandleLine(ctx context.Context, line string) grbl.Message {
	logger := log.MustLogger(ctx)
	message := grbl.ParseLine(line)
	if err := grbl.Diagnostic(message); err != nil {
		logger.Warn("Malformed line", "line", line, "err", err)
	}

	switch m := message.(type) {
	case *grbl.ResponseMessage:
		command := e.Queue.Acknowledge(ctx, m)
		if command != nil && !m.Ok() {
			logger.Debug("Command rejected", "command", command.Text, "response", m.String())
		}
	case *grbl.StatusReportPushMessage:
		e.Synchronizer.Apply(ctx, m)
	case *grbl.AlarmPushMessage:
		logger.Error("Alarm", "alarm", m.String(), "err", m.Error())
		e.Synchronizer.ApplyAlarm(ctx, m)
		if n := e.Queue.FlushPending(status.ErrAlarm); n > 0 {
			logger.Warn("Flushed pending commands", "count", n)
		}
		e.Poller.Kick()
	case *grbl.WelcomePushMessage:
		logger.Warn("Controller restarted", "banner", m.String())
		e.Queue.Reset(ErrControllerReset)
		e.Synchronizer.Reset(ctx)
		e.Poller.Kick()
	case *grbl.FeedbackPushMessage:
		logger.Info("Message", "text", m.Text())
		if m.Text() == "Caution: Unlocked" {
			e.Poller.Kick()
		}
	case *grbl.UnstructuredMessage:
		logger.Debug("Unstructured line", "line", line)
	}
	e.messages.Publish(message)
	return message
}

func (e *Engine) processLines(ctx context.Context) error {
	ctx, _ = log.MustWithGroup(ctx, "Line Processor")
	lines := e.Transport.Lines()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			e.HandleLine(ctx, line)
		}
	}
}

// AddWorkers registers the engine workers: the transport, the line processor and the poller.
func (e *Engine) AddWorkers(wm *worker_manager.WorkerManager) {
	wm.AddWorker("Transport", e.Transport.Run)
	wm.AddWorker("Line Processor", e.processLines)
	wm.AddWorker("Poller", e.Poller.Run)
}

// Close closes every subscription.
func (e *Engine) Close() {
	e.Synchronizer.Close()
	e.messages.Close()
}
