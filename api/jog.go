package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/gorilla/websocket"
)

const (
	// jogPongWait is how long a jogging client may stay silent before the jog is stopped.
	jogPongWait   = 2 * time.Second
	jogPingPeriod = jogPongWait / 2
	jogWriteWait  = time.Second
)

type jogMessage struct {
	// Type is "start" or "stop".
	Type string `json:"type"`
	jogRequest
}

type jogReply struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// jogSocket runs continuous jogs for one client. However the connection ends, the active jog is
// stopped.
func (s *Server) jogSocket(w http.ResponseWriter, r *http.Request) {
	ctx, logger := log.MustWithGroup(r.Context(), "Jog Socket")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Upgrade failed", "err", err)
		return
	}
	logger.Info("Connected", "remote", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.controller.Jog.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to stop jog", "err", err)
		}
		if err := conn.Close(); err != nil {
			logger.Debug("Close failed", "err", err)
		}
		logger.Info("Disconnected")
	}()

	if err := conn.SetReadDeadline(time.Now().Add(jogPongWait)); err != nil {
		logger.Warn("Failed to set deadline", "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(jogPongWait))
	})
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(jogPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(jogWriteWait)); err != nil {
					logger.Debug("Ping failed", "err", err)
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-pingDone
	}()

	for {
		var message jogMessage
		if err := conn.ReadJSON(&message); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Read failed", "err", err)
			}
			return
		}
		// Any client message proves it is alive.
		if err := conn.SetReadDeadline(time.Now().Add(jogPongWait)); err != nil {
			return
		}

		reply := jogReply{Type: message.Type}
		if err := s.handleJogMessage(ctx, message); err != nil {
			reply.Error = err.Error()
		}
		if err := conn.SetWriteDeadline(time.Now().Add(jogWriteWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn("Write failed", "err", err)
			return
		}
	}
}

func (s *Server) handleJogMessage(ctx context.Context, message jogMessage) error {
	switch message.Type {
	case "start":
		return s.controller.Jog.Start(ctx, message.request())
	case "stop":
		return s.controller.Jog.Stop(ctx)
	case "":
		return errors.New("missing message type")
	}
	return fmt.Errorf("unknown message type %#v", message.Type)
}
