package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleStream upgrades to a WebSocket and forwards every bus message on
// the topic as JSON until either side goes away.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(topic)
	defer s.bus.Unsubscribe(sub)
	s.log.Info().Str("topic", topic).Str("remote", r.RemoteAddr).Msg("Stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound traffic is only close frames and pongs.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// WriteControl may run alongside the writer below.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for msg := range sub.All(ctx) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug().Err(err).Str("topic", topic).Msg("Stream write failed")
			break
		}
	}
	s.log.Info().Str("topic", topic).Str("remote", r.RemoteAddr).Msg("Stream closed")
}
