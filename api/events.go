package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/transport"
)

const (
	stateChannel       = "/events/state"
	transitionsChannel = "/events/transitions"
	sessionChannel     = "/events/session"
	connectionChannel  = "/events/connection"
)

type transitionEvent struct {
	From  grbl.State    `json:"from"`
	To    grbl.State    `json:"to"`
	At    time.Time     `json:"at"`
	State stateResponse `json:"state"`
}

type connectionEvent struct {
	State          string        `json:"state"`
	Firmware       grbl.Firmware `json:"firmware,omitempty"`
	Version        string        `json:"version,omitempty"`
	BufferCapacity int           `json:"buffer_capacity,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
	Error          string        `json:"error,omitempty"`
	At             time.Time     `json:"at"`
}

func newConnectionEvent(event transport.Event) connectionEvent {
	e := connectionEvent{State: event.State.String(), At: event.At}
	if event.Handshake != nil {
		e.Firmware = event.Handshake.Firmware
		e.Version = event.Handshake.Version
		e.BufferCapacity = event.Handshake.BufferCapacity
		e.Degraded = event.Handshake.Degraded
	}
	if event.Err != nil {
		e.Error = event.Err.Error()
	}
	return e
}

func (s *Server) send(ctx context.Context, channel string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("bug: event not serializable: %s", err))
	}
	log.MustLogger(ctx).Debug("Event", "channel", channel, "data", string(data))
	s.events.SendMessage(channel, sse.SimpleMessage(string(data)))
}

// closeStreams disconnects every event client. The SSE server is left running: its Shutdown
// deadlocks while channels still exist.
func (s *Server) closeStreams() {
	for _, channel := range []string{stateChannel, transitionsChannel, sessionChannel, connectionChannel} {
		s.events.CloseChannel(channel)
	}
}

// Run forwards every controller stream to its event channel until ctx is done, then closes all
// event connections.
func (s *Server) Run(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "Events")
	defer s.closeStreams()

	const name = "api-events"
	states := s.controller.Synchronizer.Subscribe(name)
	defer s.controller.Synchronizer.Unsubscribe(name)
	transitions := s.controller.Synchronizer.SubscribeTransitions(name)
	defer s.controller.Synchronizer.UnsubscribeTransitions(name)
	sessions := s.controller.Execution.Subscribe(name)
	defer s.controller.Execution.Unsubscribe(name)
	connections := s.controller.Transport.Subscribe(name)
	defer s.controller.Transport.Unsubscribe(name)

	logger.Info("Forwarding events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			s.send(ctx, stateChannel, newStateResponse(state))
		case transition, ok := <-transitions:
			if !ok {
				return nil
			}
			s.send(ctx, transitionsChannel, transitionEvent{
				From:  transition.From,
				To:    transition.To,
				At:    transition.At,
				State: newStateResponse(transition.State),
			})
		case info, ok := <-sessions:
			if !ok {
				return nil
			}
			s.send(ctx, sessionChannel, info)
		case event, ok := <-connections:
			if !ok {
				return nil
			}
			s.send(ctx, connectionChannel, newConnectionEvent(event))
		}
	}
}
