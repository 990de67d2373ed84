package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/settlement_layer/internal/events"
)

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers authenticate with a service token, not an origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventStream pushes settlement events to a websocket subscriber as
// they are published. Repeated type parameters narrow the stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var filter events.Filter
	if raw := r.URL.Query()["type"]; len(raw) > 0 {
		types := make([]events.EventType, len(raw))
		for i, t := range raw {
			types[i] = events.EventType(t)
		}
		filter = events.OfType(types...)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, streamBuffer)
	unsubscribe := s.deps.Events.Subscribe(filter, func(_ context.Context, e events.Event) error {
		select {
		case queue <- e:
			return nil
		default:
			return fmt.Errorf("event stream subscriber is behind, dropped %s", e.ID)
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.deps.Logger.Info(r.Context(), "event stream opened", map[string]interface{}{"types": r.URL.Query()["type"]})
	defer s.deps.Logger.Info(r.Context(), "event stream closed", nil)

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case e := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
