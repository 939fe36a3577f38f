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

package link

import "fmt"

// ConnectionState state of the link connection
type ConnectionState int

const (
	// NotConnected no connection, or the connection failed
	NotConnected ConnectionState = iota
	// Connecting the transport is being established, or the handshake is in progress
	Connecting
	// Connected the handshake completed
	Connected
)

// String implements fmt.Stringer
func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// AuthState state of the link authentication
type AuthState int

const (
	// Unauthorized not authorized
	Unauthorized AuthState = iota
	// Authorizing an AUTH was sent, waiting for the server decision
	Authorizing
	// Authorized the server accepted the token
	Authorized
)

// String implements fmt.Stringer
func (s AuthState) String() string {
	switch s {
	case Unauthorized:
		return "Unauthorized"
	case Authorizing:
		return "Authorizing"
	case Authorized:
		return "Authorized"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

// ChannelState state of one channel
type ChannelState int

const (
	// Requested the open request was sent, or will be once the link is authorized
	Requested ChannelState = iota
	// Opened the server confirmed the channel
	Opened
	// Closed the channel is closed. This is terminal.
	Closed
)

// String implements fmt.Stringer
func (s ChannelState) String() string {
	switch s {
	case Requested:
		return "Requested"
	case Opened:
		return "Opened"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// ConnectionDetails parameters negotiated during the handshake
type ConnectionDetails struct {
	// ProtocolVersion the local protocol version
	ProtocolVersion string
	// ClientVersion the local client version
	ClientVersion string
	// RemoteVersion the version announced by the server, if known
	RemoteVersion *string
	// LocalKeepaliveTimeout the keepalive timeout announced to the server, in seconds
	LocalKeepaliveTimeout uint32
	// RemoteKeepaliveTimeout the keepalive timeout announced by the server, in seconds
	RemoteKeepaliveTimeout *uint32
}
