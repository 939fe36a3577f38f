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
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind the kind of a protocol error
type ErrorKind string

const (
	// ErrorUnknown unclassified error
	ErrorUnknown ErrorKind = "UNKNOWN"
	// ErrorUnsupportedProtocol the remote speaks an unsupported protocol version
	ErrorUnsupportedProtocol ErrorKind = "UNSUPPORTED_PROTOCOL"
	// ErrorTimeout an action or keepalive timed out
	ErrorTimeout ErrorKind = "TIMEOUT"
	// ErrorUnauthorized the connection is not authorized
	ErrorUnauthorized ErrorKind = "UNAUTHORIZED"
	// ErrorInvalidMessage a frame could not be parsed or validated
	ErrorInvalidMessage ErrorKind = "INVALID_MESSAGE"
	// ErrorBadAction the requested action is not allowed in the current state
	ErrorBadAction ErrorKind = "BAD_ACTION"
)

// knownErrorKinds the set of error kinds defined by the protocol
var knownErrorKinds = map[ErrorKind]bool{
	ErrorUnknown:             true,
	ErrorUnsupportedProtocol: true,
	ErrorTimeout:             true,
	ErrorUnauthorized:        true,
	ErrorInvalidMessage:      true,
	ErrorBadAction:           true,
}

// ParseErrorKind convert a wire error kind string. Unrecognized kinds map to ErrorUnknown.
func ParseErrorKind(kind string) ErrorKind {
	if knownErrorKinds[ErrorKind(kind)] {
		return ErrorKind(kind)
	}
	return ErrorUnknown
}

// LinkError an error reported by, or to, the link protocol engine
type LinkError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewLinkError define a new LinkError
func NewLinkError(kind ErrorKind, format string, args ...interface{}) *LinkError {
	return &LinkError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapLinkError define a new LinkError caused by another error
func WrapLinkError(cause error, kind ErrorKind, format string, args ...interface{}) *LinkError {
	return &LinkError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   errors.WithStack(cause),
	}
}

// Error implements error
func (e *LinkError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap return the cause of the error
func (e *LinkError) Unwrap() error {
	return e.cause
}

// Is two LinkErrors match if they are of the same kind
func (e *LinkError) Is(target error) bool {
	other, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// ErrorKindOf return the LinkError kind of err, or ErrorUnknown
func ErrorKindOf(err error) ErrorKind {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Kind
	}
	return ErrorUnknown
}

// Sentinels for use with errors.Is
var (
	ErrTimeout      = &LinkError{Kind: ErrorTimeout}
	ErrUnauthorized = &LinkError{Kind: ErrorUnauthorized}
	ErrBadAction    = &LinkError{Kind: ErrorBadAction}
	ErrInvalid      = &LinkError{Kind: ErrorInvalidMessage}
)
