/*
 * Copyright 2025 OpenHearth Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openhearth/fleetconsole/pkg/logger"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second

	// streamSendBuffer bounds per-client queueing; clients that cannot
	// keep up are disconnected rather than backing up the broadcaster.
	streamSendBuffer = 16
)

// StreamMessage is one frame pushed to dashboard subscribers.
type StreamMessage struct {
	Type      string      `json:"type"` // "fleet", "sync", "ping"
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// streamHub fans reconciliation events out to connected websocket clients.
type streamHub struct {
	logger logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newStreamHub(log logger.Logger) *streamHub {
	return &streamHub{
		logger:  log,
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast sends a frame to every connected client. Slow clients are
// dropped.
func (h *streamHub) Broadcast(msgType string, data interface{}) {
	msg := StreamMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to encode stream frame")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn().Msg("Dropping slow stream client")
			delete(h.clients, c)
			c.close()
		}
	}
}

// sendTo queues one frame for a single client, used to seed freshly
// connected dashboards without re-sending state to everyone else.
func (h *streamHub) sendTo(c *streamClient, msgType string, data interface{}) {
	msg := StreamMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to encode stream frame")
		return
	}

	select {
	case c.send <- payload:
	default:
	}
}

// Close disconnects all clients.
func (h *streamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *streamHub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// handleStream upgrades the connection and attaches it to the hub. The
// first frame is the current fleet state so new dashboards render without
// waiting for the next reconciliation.
func (s *APIServer) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origin, s.cors.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Stream client connected")

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, streamSendBuffer),
	}
	s.hub.add(client)

	go s.writePump(client)
	go s.readPump(client)

	if s.fleet != nil {
		s.hub.sendTo(client, frameFleet, s.fleetPage())
	}
}

// writePump drains the client's send queue and keeps the connection alive
// with pings.
func (s *APIServer) writePump(c *streamClient) {
	pinger := time.NewTicker(streamPingInterval)

	defer func() {
		pinger.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteTimeout))
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("Stream write failed")
				s.hub.remove(c)

				return
			}
		case <-pinger.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}
}

// readPump discards inbound messages; its job is detecting disconnects.
func (s *APIServer) readPump(c *streamClient) {
	defer s.hub.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
