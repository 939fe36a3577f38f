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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	opened   chan bool
	messages chan string
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:   make(chan bool, 1),
		messages: make(chan string, 16),
		closed:   make(chan error, 1),
	}
}

func (h *recordingHandler) OnOpen() {
	h.opened <- true
}

func (h *recordingHandler) OnMessage(payload []byte) {
	h.messages <- string(payload)
}

func (h *recordingHandler) OnClose(err error) {
	h.closed <- err
}

// echoServer echo every text frame, and close the connection on "bye"
func echoServer() *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(payload) == "bye" {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
					time.Now().Add(time.Second),
				)
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransportLocalClose(t *testing.T) {
	defer leaktest.Check(t)()
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := echoServer()
	defer server.Close()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut := GetWebSocketDialer(DefaultWebSocketConfig())
	conn, err := uut.Dial(utCtxt, wsURL(server))
	assert.Nil(err)

	handler := newRecordingHandler()
	assert.Nil(conn.Start(handler))
	assert.NotNil(conn.Start(handler))

	select {
	case <-handler.opened:
	case <-utCtxt.Done():
		assert.Fail("open not signaled")
	}

	// Case 1: frames are echoed in order
	for _, msg := range []string{"one", "two", "three"} {
		assert.Nil(conn.Send([]byte(msg)))
	}
	for _, expected := range []string{"one", "two", "three"} {
		select {
		case msg := <-handler.messages:
			assert.Equal(expected, msg)
		case <-utCtxt.Done():
			assert.Fail("echo not received")
		}
	}

	// Case 2: local close reports no error
	assert.Nil(conn.Close())
	select {
	case err := <-handler.closed:
		assert.Nil(err)
	case <-utCtxt.Done():
		assert.Fail("close not signaled")
	}

	// Case 3: send after close
	assert.NotNil(conn.Send([]byte("late")))
	assert.Nil(conn.Close())
}

func TestWebSocketTransportRemoteClose(t *testing.T) {
	defer leaktest.Check(t)()
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := echoServer()
	defer server.Close()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uut := GetWebSocketDialer(DefaultWebSocketConfig())

	// Case 0: nothing listening
	{
		_, err := uut.Dial(utCtxt, "ws://127.0.0.1:1/none")
		assert.NotNil(err)
	}

	conn, err := uut.Dial(utCtxt, wsURL(server))
	assert.Nil(err)
	handler := newRecordingHandler()
	assert.Nil(conn.Start(handler))

	// Case 1: remote closure is reported with an error
	assert.Nil(conn.Send([]byte("bye")))
	select {
	case err := <-handler.closed:
		assert.NotNil(err)
	case <-utCtxt.Done():
		assert.Fail("close not signaled")
	}
	assert.NotNil(conn.Send([]byte("late")))
	assert.Nil(conn.Close())
}

func TestWebSocketTransportStalledPeer(t *testing.T) {
	defer leaktest.Check(t)()
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Server which never reads
	release := make(chan bool)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer server.Close()
	defer close(release)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	config := DefaultWebSocketConfig()
	config.WriteTimeout = time.Millisecond * 500
	config.SendQueueDepth = 4
	uut := GetWebSocketDialer(config)
	conn, err := uut.Dial(utCtxt, wsURL(server))
	assert.Nil(err)
	handler := newRecordingHandler()
	assert.Nil(conn.Start(handler))

	// Case 1: sends queue without waiting on the peer, and fail once the queue is full
	frame := []byte(strings.Repeat("x", 1024*1024))
	queueFull := false
	start := time.Now()
	for itr := 0; itr < 64; itr++ {
		if err := conn.Send(frame); err != nil {
			assert.Equal(ErrSendQueueFull, err)
			queueFull = true
			break
		}
	}
	assert.True(queueFull)
	assert.True(time.Since(start) < time.Second)

	// Case 2: close does not wait on the stalled write
	start = time.Now()
	assert.Nil(conn.Close())
	assert.True(time.Since(start) < time.Millisecond*100)
	select {
	case <-handler.closed:
	case <-utCtxt.Done():
		assert.Fail("close not signaled")
	}
}
