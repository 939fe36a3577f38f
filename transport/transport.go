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

// Package transport adapts a raw duplex connection into ordered text frames, with
// open / frame / close signals. It carries no protocol knowledge.
package transport

import "context"

// EventHandler receives the signals of one transport connection
//
// The callbacks are made from a single goroutine, in order: OnOpen first, then every
// received frame, then OnClose exactly once.
type EventHandler interface {
	// OnOpen the connection is ready to carry frames
	OnOpen()
	// OnMessage a frame was received
	OnMessage(payload []byte)
	// OnClose the connection is closed. err is nil when closed locally.
	OnClose(err error)
}

// Transport one duplex frame connection
type Transport interface {
	// Start begin delivering signals to handler
	Start(handler EventHandler) error
	// Send queue one frame for sending. It must not wait on the network.
	Send(payload []byte) error
	// Close close the connection
	Close() error
}

// Dialer creates transport connections
type Dialer interface {
	// Dial connect to url
	Dial(ctxt context.Context, url string) (Transport, error)
}
