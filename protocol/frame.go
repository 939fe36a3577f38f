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

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ControlChannel the channel ID reserved for connection level frames
const ControlChannel uint64 = 0

// Header the fields shared by every frame
type Header struct {
	// Type frame type discriminator
	Type string `json:"type" validate:"required"`
	// Channel the channel the frame belongs to. 0 is the connection itself.
	Channel uint64 `json:"channel"`
}

// GetHeader return the frame header
func (h *Header) GetHeader() *Header {
	return h
}

// Message an outbound frame
type Message interface {
	GetHeader() *Header
}

// Encode serialize an outbound frame
func Encode(msg Message) ([]byte, error) {
	if msg == nil || msg.GetHeader() == nil || msg.GetHeader().Type == "" {
		return nil, NewLinkError(ErrorBadAction, "message has no type")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s", msg.GetHeader().Type)
	}
	return payload, nil
}

// Frame an inbound frame whose header has been parsed
type Frame struct {
	Header
	// Raw the complete frame as received
	Raw json.RawMessage
}

// DecodeFrame parse the header of an inbound frame
func DecodeFrame(data []byte) (Frame, error) {
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Frame{}, WrapLinkError(err, ErrorInvalidMessage, "unparsable frame")
	}
	if header.Type == "" {
		return Frame{}, NewLinkError(ErrorInvalidMessage, "frame has no type")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Header: header, Raw: raw}, nil
}

// frameValidator shared validator for inbound frames
var frameValidator = validator.New()

// Decode parse the complete frame into a typed message, and validate it
func (f Frame) Decode(out interface{}) error {
	if err := json.Unmarshal(f.Raw, out); err != nil {
		return WrapLinkError(err, ErrorInvalidMessage, "malformed %s frame", f.Type)
	}
	if err := frameValidator.Struct(out); err != nil {
		return WrapLinkError(err, ErrorInvalidMessage, "invalid %s frame", f.Type)
	}
	return nil
}
