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

package common

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/apex/log"
)

// sessionKey context key for the session ID of a connection
type sessionKey struct{}

// WithSessionID attach a connection session ID to a context
func WithSessionID(ctxt context.Context, sessionID string) context.Context {
	return context.WithValue(ctxt, sessionKey{}, sessionID)
}

// ModifyLogMetadataBySession goutils.LogMetadataModifier adding the connection
// session ID found in the context
func ModifyLogMetadataBySession(ctxt context.Context, theTags log.Fields) {
	if ctxt == nil {
		return
	}
	if v, ok := ctxt.Value(sessionKey{}).(string); ok {
		theTags["session"] = v
	}
}

// SafeInvoke call a user supplied callback, converting a panic into a logged error
//
// The callback is still run on the calling goroutine. A callback which blocks will
// stall the caller.
func SafeInvoke(logTags log.Fields, what string, callback func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", what, r)
			log.WithError(err).WithFields(logTags).Errorf("Callback failure\n%s", debug.Stack())
		}
	}()
	callback()
	return nil
}
