// Copyright 2022 The linkfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrSendQueueFull the peer is not draining frames fast enough
var ErrSendQueueFull = errors.New("send queue full")

// WebSocketConfig parameters of the websocket transport
type WebSocketConfig struct {
	// HandshakeTimeout max duration of the websocket upgrade
	HandshakeTimeout time.Duration
	// WriteTimeout max duration of one frame write
	WriteTimeout time.Duration
	// ReadLimit max size of one received frame in bytes. 0 is unlimited.
	ReadLimit int64
	// SendQueueDepth number of frames queued for writing before Send fails
	SendQueueDepth int
}

// DefaultWebSocketConfig the default websocket transport parameters
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 45 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        16 * 1024 * 1024,
		SendQueueDepth:   1024,
	}
}

// webSocketDialer implements Dialer
type webSocketDialer struct {
	goutils.Component
	config WebSocketConfig
	dialer *websocket.Dialer
}

// GetWebSocketDialer define a new websocket Dialer
func GetWebSocketDialer(config WebSocketConfig) Dialer {
	logTags := log.Fields{"module": "transport", "component": "websocket-dialer"}
	return &webSocketDialer{
		Component: goutils.Component{
			LogTags:         logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{common.ModifyLogMetadataBySession},
		},
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Dial connect to url
func (d *webSocketDialer) Dial(ctxt context.Context, url string) (Transport, error) {
	logTags := d.GetLogTagsForContext(ctxt)
	conn, resp, err := d.dialer.DialContext(ctxt, url, nil)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "upgrade rejected with %s", resp.Status)
		}
		log.WithError(err).WithFields(logTags).Errorf("Failed to dial %s", url)
		return nil, err
	}
	if d.config.ReadLimit > 0 {
		conn.SetReadLimit(d.config.ReadLimit)
	}
	logTags["remote"] = conn.RemoteAddr().String()
	log.WithFields(logTags).Debugf("Connected to %s", url)
	queueDepth := d.config.SendQueueDepth
	if queueDepth <= 0 {
		queueDepth = 1
	}
	wst := &webSocketTransport{
		Component:    goutils.Component{LogTags: logTags},
		conn:         conn,
		writeTimeout: d.config.WriteTimeout,
		sendQueue:    make(chan []byte, queueDepth),
		stopWrite:    make(chan struct{}),
	}
	go wst.writePump()
	return wst, nil
}

// webSocketTransport implements Transport
//
// Frames are written by writePump, so Send never waits on the network.
type webSocketTransport struct {
	goutils.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	sendQueue    chan []byte
	stopWrite    chan struct{}
	lock         sync.Mutex
	started      bool
	closed       bool
}

// Start begin delivering signals to handler
func (t *webSocketTransport) Start(handler EventHandler) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.started {
		return fmt.Errorf("transport already started")
	}
	if t.closed {
		return fmt.Errorf("transport already closed")
	}
	t.started = true
	go t.readLoop(handler)
	return nil
}

// markClosed flag the transport closed and stop the write pump. Returns whether it was
// already closed.
func (t *webSocketTransport) markClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return true
	}
	t.closed = true
	close(t.stopWrite)
	return false
}

// readLoop deliver frames until the connection fails or is closed
func (t *webSocketTransport) readLoop(handler EventHandler) {
	handler.OnOpen()
	for {
		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			if t.markClosed() {
				handler.OnClose(nil)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).WithFields(t.LogTags).Info("Connection lost")
			}
			_ = t.conn.Close()
			handler.OnClose(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		handler.OnMessage(payload)
	}
}

// writePump write queued frames until stopped or a write fails
func (t *webSocketTransport) writePump() {
	defer func() {
		_ = t.conn.Close()
	}()
	for {
		select {
		case payload := <-t.sendQueue:
			if t.writeTimeout > 0 {
				_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Closing the connection makes the read loop report the failure
				log.WithError(err).WithFields(t.LogTags).Error("Frame write failed")
				return
			}
		case <-t.stopWrite:
			_ = t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// Send queue one frame for writing
func (t *webSocketTransport) Send(payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	select {
	case t.sendQueue <- payload:
		return nil
	default:
		log.WithFields(t.LogTags).Errorf("Dropping frame, %d frames already queued", len(t.sendQueue))
		return ErrSendQueueFull
	}
}

// Close close the connection
func (t *webSocketTransport) Close() error {
	t.markClosed()
	return nil
}
