// Copyright 2025 The FAIR Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ws pushes session envelopes over a websocket.
//
// Each connection gets a Client with a buffered send channel. The session
// adapter delivers into the channel without blocking; a subscriber that
// cannot keep up loses the connection rather than stalling the dispatcher.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azapg/FAIR/sdk"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer has to answer a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-client envelope backlog before the
	// connection is considered too slow.
	sendBuffer = 256
)

// ErrSlowClient is returned by Send when the client's buffer is full.
var ErrSlowClient = errors.New("websocket client too slow, dropping connection")

// Client wraps one websocket connection. It implements the session Sink
// contract; Send never blocks.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection. Run must be called to start the
// pumps.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:   conn,
		logger: logger.With("component", "ws", "remote", conn.RemoteAddr().String()),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send queues an envelope for delivery. It fails when the buffer is full
// or the connection is gone, which detaches the session adapter.
func (c *Client) Send(evt sdk.Envelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errors.New("websocket connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("dropping slow websocket client")
		c.Close()
		return ErrSlowClient
	}
}

// Run drives the read and write pumps and blocks until the connection
// ends, from either side.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// writePump serializes all writes to the connection: queued envelopes,
// pings, and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			// Flush whatever was queued before the close.
			for {
				select {
				case data := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and
// disconnect detection.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}
