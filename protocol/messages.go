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

package protocol

import "strings"

// Connection level frame types
const (
	TypeSetup     = "SETUP"
	TypeKeepalive = "KEEPALIVE"
	TypeAuth      = "AUTH"
	TypeAuthState = "AUTH_STATE"
	TypeError     = "ERROR"
)

// Channel lifecycle frame types
const (
	TypeChannelRequest = "CHANNEL_REQUEST"
	TypeChannelOpened  = "CHANNEL_OPENED"
	TypeChannelClosed  = "CHANNEL_CLOSED"
	TypeChannelCancel  = "CHANNEL_CANCEL"
)

// ProtocolVersion the link protocol version implemented by this module
const ProtocolVersion = "0.1"

// FormatVersion build the version string exchanged during SETUP
func FormatVersion(clientVersion string) string {
	return ProtocolVersion + "-" + clientVersion
}

// SplitVersion split a SETUP version string into protocol version and peer version
func SplitVersion(version string) (string, string) {
	parts := strings.SplitN(version, "-", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// ========================================================================================
// Channel 0

// SetupMessage handshake frame, exchanged by both sides
type SetupMessage struct {
	Header
	// Version "<protocol version>-<peer version>"
	Version string `json:"version" validate:"required"`
	// KeepaliveTimeout how long the sender waits for a frame before dropping the
	// connection, in seconds
	KeepaliveTimeout *uint32 `json:"keepaliveTimeout,omitempty"`
	// AcceptKeepaliveTimeout the keepalive timeout the sender accepts from its peer,
	// in seconds
	AcceptKeepaliveTimeout *uint32 `json:"acceptKeepaliveTimeout,omitempty"`
}

// NewSetupMessage define a SETUP frame
func NewSetupMessage(version string, keepaliveTimeout, acceptKeepaliveTimeout uint32) *SetupMessage {
	return &SetupMessage{
		Header:                 Header{Type: TypeSetup, Channel: ControlChannel},
		Version:                version,
		KeepaliveTimeout:       &keepaliveTimeout,
		AcceptKeepaliveTimeout: &acceptKeepaliveTimeout,
	}
}

// KeepaliveMessage heartbeat frame
type KeepaliveMessage struct {
	Header
}

// NewKeepaliveMessage define a KEEPALIVE frame
func NewKeepaliveMessage() *KeepaliveMessage {
	return &KeepaliveMessage{Header: Header{Type: TypeKeepalive, Channel: ControlChannel}}
}

// AuthMessage authentication frame
type AuthMessage struct {
	Header
	Token string `json:"token" validate:"required"`
}

// NewAuthMessage define an AUTH frame
func NewAuthMessage(token string) *AuthMessage {
	return &AuthMessage{Header: Header{Type: TypeAuth, Channel: ControlChannel}, Token: token}
}

// Wire values of AUTH_STATE
const (
	AuthStateUnauthorized = "UNAUTHORIZED"
	AuthStateAuthorizing  = "AUTHORIZING"
	AuthStateAuthorized   = "AUTHORIZED"
)

// AuthStateMessage authentication state frame, sent by the server
type AuthStateMessage struct {
	Header
	State string `json:"state" validate:"required,oneof=UNAUTHORIZED AUTHORIZING AUTHORIZED"`
	// UserID optional ID of the authorized user
	UserID *string `json:"userId,omitempty"`
}

// NewAuthStateMessage define an AUTH_STATE frame
func NewAuthStateMessage(state string) *AuthStateMessage {
	return &AuthStateMessage{
		Header: Header{Type: TypeAuthState, Channel: ControlChannel}, State: state,
	}
}

// ErrorMessage error frame. On channel 0 it concerns the connection, otherwise
// the channel.
type ErrorMessage struct {
	Header
	Error   string `json:"error" validate:"required"`
	Message string `json:"message"`
}

// NewErrorMessage define an ERROR frame
func NewErrorMessage(channel uint64, kind ErrorKind, message string) *ErrorMessage {
	return &ErrorMessage{
		Header: Header{Type: TypeError, Channel: channel}, Error: string(kind), Message: message,
	}
}

// ToLinkError convert the frame into a LinkError
func (m ErrorMessage) ToLinkError() *LinkError {
	return &LinkError{Kind: ParseErrorKind(m.Error), Message: m.Message}
}

// ========================================================================================
// Channel lifecycle

// ChannelRequestMessage request to open a channel to a service
type ChannelRequestMessage struct {
	Header
	Service    string                 `json:"service" validate:"required"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NewChannelRequestMessage define a CHANNEL_REQUEST frame
func NewChannelRequestMessage(
	channel uint64, service string, parameters map[string]interface{},
) *ChannelRequestMessage {
	return &ChannelRequestMessage{
		Header:     Header{Type: TypeChannelRequest, Channel: channel},
		Service:    service,
		Parameters: parameters,
	}
}

// ChannelOpenedMessage the server opened a channel
type ChannelOpenedMessage struct {
	Header
	Service    string                 `json:"service,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// NewChannelOpenedMessage define a CHANNEL_OPENED frame
func NewChannelOpenedMessage(channel uint64, service string) *ChannelOpenedMessage {
	return &ChannelOpenedMessage{
		Header: Header{Type: TypeChannelOpened, Channel: channel}, Service: service,
	}
}

// ChannelClosedMessage the server closed a channel
type ChannelClosedMessage struct {
	Header
}

// NewChannelClosedMessage define a CHANNEL_CLOSED frame
func NewChannelClosedMessage(channel uint64) *ChannelClosedMessage {
	return &ChannelClosedMessage{Header: Header{Type: TypeChannelClosed, Channel: channel}}
}

// ChannelCancelMessage request to close a channel
type ChannelCancelMessage struct {
	Header
}

// NewChannelCancelMessage define a CHANNEL_CANCEL frame
func NewChannelCancelMessage(channel uint64) *ChannelCancelMessage {
	return &ChannelCancelMessage{Header: Header{Type: TypeChannelCancel, Channel: channel}}
}
