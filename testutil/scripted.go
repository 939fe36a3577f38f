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

// Package testutil provides an in-memory transport which plays the server side of the
// link protocol from a script.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/linkfeed/protocol"
	"github.com/alwitt/linkfeed/transport"
)

// Script how a ScriptedTransport answers client frames
type Script struct {
	// ReplySetup answer SETUP with a SETUP
	ReplySetup bool
	// RemoteVersion version announced in the SETUP reply
	RemoteVersion string
	// RemoteKeepaliveTimeout keepalive timeout announced in the SETUP reply, in seconds
	RemoteKeepaliveTimeout uint32
	// AuthReply AUTH_STATE sent in response to AUTH. Empty means no reply.
	AuthReply string
	// OpenChannels answer CHANNEL_REQUEST with CHANNEL_OPENED
	OpenChannels bool
	// EchoKeepalive answer KEEPALIVE with KEEPALIVE
	EchoKeepalive bool
}

// DefaultScript a server which accepts everything
func DefaultScript() Script {
	return Script{
		ReplySetup:             true,
		RemoteVersion:          protocol.FormatVersion("test-server"),
		RemoteKeepaliveTimeout: 60,
		AuthReply:              protocol.AuthStateAuthorized,
		OpenChannels:           true,
		EchoKeepalive:          true,
	}
}

// scriptedEvent one signal to deliver to the transport handler
type scriptedEvent struct {
	payload  []byte
	close    bool
	closeErr error
}

// ScriptedTransport in-memory transport.Transport
type ScriptedTransport struct {
	script  Script
	lock    sync.Mutex
	started bool
	closed  bool
	events  chan scriptedEvent
	sent    chan protocol.Frame
	done    chan struct{}
}

// NewScriptedTransport define a new ScriptedTransport
func NewScriptedTransport(script Script) *ScriptedTransport {
	return &ScriptedTransport{
		script: script,
		events: make(chan scriptedEvent, 4096),
		sent:   make(chan protocol.Frame, 4096),
		done:   make(chan struct{}),
	}
}

// Start begin delivering signals to handler
func (t *ScriptedTransport) Start(handler transport.EventHandler) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.started {
		return fmt.Errorf("transport already started")
	}
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.started = true
	go func() {
		defer close(t.done)
		handler.OnOpen()
		for event := range t.events {
			if event.close {
				handler.OnClose(event.closeErr)
				return
			}
			handler.OnMessage(event.payload)
		}
	}()
	return nil
}

// Send record a client frame, and answer it according to the script
func (t *ScriptedTransport) Send(payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	frame, err := protocol.DecodeFrame(payload)
	if err != nil {
		return err
	}
	t.sent <- frame
	for _, reply := range t.replyTo(frame) {
		encoded, err := protocol.Encode(reply)
		if err != nil {
			return err
		}
		t.events <- scriptedEvent{payload: encoded}
	}
	return nil
}

// replyTo build the scripted answers to a client frame
func (t *ScriptedTransport) replyTo(frame protocol.Frame) []protocol.Message {
	switch frame.Type {
	case protocol.TypeSetup:
		if t.script.ReplySetup {
			reply := protocol.NewSetupMessage(
				t.script.RemoteVersion, t.script.RemoteKeepaliveTimeout, t.script.RemoteKeepaliveTimeout,
			)
			return []protocol.Message{reply}
		}
	case protocol.TypeKeepalive:
		if t.script.EchoKeepalive {
			return []protocol.Message{protocol.NewKeepaliveMessage()}
		}
	case protocol.TypeAuth:
		if t.script.AuthReply != "" {
			return []protocol.Message{protocol.NewAuthStateMessage(t.script.AuthReply)}
		}
	case protocol.TypeChannelRequest:
		if t.script.OpenChannels {
			var request protocol.ChannelRequestMessage
			if err := frame.Decode(&request); err == nil {
				return []protocol.Message{
					protocol.NewChannelOpenedMessage(frame.Channel, request.Service),
				}
			}
		}
	}
	return nil
}

// Inject deliver a server frame to the client
func (t *ScriptedTransport) Inject(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return t.InjectRaw(payload)
}

// InjectRaw deliver raw bytes to the client as one frame
func (t *ScriptedTransport) InjectRaw(payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	t.events <- scriptedEvent{payload: payload}
	return nil
}

// Drop simulate losing the connection
func (t *ScriptedTransport) Drop(err error) {
	t.closeWith(err)
}

// Close close the connection
func (t *ScriptedTransport) Close() error {
	t.closeWith(nil)
	return nil
}

func (t *ScriptedTransport) closeWith(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.events <- scriptedEvent{close: true, closeErr: err}
	close(t.events)
	if !t.started {
		close(t.done)
	}
}

// Closed whether the transport was closed
func (t *ScriptedTransport) Closed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// WaitDone wait for the close signal to be delivered
func (t *ScriptedTransport) WaitDone(ctxt context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// NextSent return the next frame sent by the client
func (t *ScriptedTransport) NextSent(timeout time.Duration) (protocol.Frame, error) {
	select {
	case frame := <-t.sent:
		return frame, nil
	case <-time.After(timeout):
		return protocol.Frame{}, fmt.Errorf("no frame sent within %s", timeout)
	}
}

// NextSentOfType return the next frame of msgType sent by the client, skipping others
func (t *ScriptedTransport) NextSentOfType(msgType string, timeout time.Duration) (protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Frame{}, fmt.Errorf("no %s sent within %s", msgType, timeout)
		}
		frame, err := t.NextSent(remaining)
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("no %s sent within %s", msgType, timeout)
		}
		if frame.Type == msgType {
			return frame, nil
		}
	}
}

// SentOfType drain every already sent frame, returning those of msgType
func (t *ScriptedTransport) SentOfType(msgType string) []protocol.Frame {
	result := []protocol.Frame{}
	for {
		select {
		case frame := <-t.sent:
			if frame.Type == msgType {
				result = append(result, frame)
			}
		default:
			return result
		}
	}
}

// ScriptedDialer transport.Dialer producing ScriptedTransports
type ScriptedDialer struct {
	lock      sync.Mutex
	script    Script
	failDials int
	dialed    chan *ScriptedTransport
	dialCount int
}

// NewScriptedDialer define a new ScriptedDialer
func NewScriptedDialer(script Script) *ScriptedDialer {
	return &ScriptedDialer{script: script, dialed: make(chan *ScriptedTransport, 64)}
}

// SetScript change the script of future transports
func (d *ScriptedDialer) SetScript(script Script) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.script = script
}

// FailNextDials make the next count dials fail
func (d *ScriptedDialer) FailNextDials(count int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failDials = count
}

// DialCount number of dial attempts
func (d *ScriptedDialer) DialCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dialCount
}

// Dial implements transport.Dialer
func (d *ScriptedDialer) Dial(ctxt context.Context, url string) (transport.Transport, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.dialCount++
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	if d.failDials > 0 {
		d.failDials--
		return nil, fmt.Errorf("dial %s refused", url)
	}
	conn := NewScriptedTransport(d.script)
	d.dialed <- conn
	return conn, nil
}

// NextTransport return the next transport handed out by Dial
func (d *ScriptedDialer) NextTransport(timeout time.Duration) (*ScriptedTransport, error) {
	select {
	case conn := <-d.dialed:
		return conn, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no dial within %s", timeout)
	}
}
