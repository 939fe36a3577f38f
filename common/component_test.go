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
	"testing"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSessionLogTags(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := goutils.Component{
		LogTags:         log.Fields{"module": "common", "component": "ut"},
		LogTagModifiers: []goutils.LogMetadataModifier{ModifyLogMetadataBySession},
	}

	// Case 1: no session in the context
	tags := uut.GetLogTagsForContext(context.Background())
	assert.Equal("ut", tags["component"])
	_, ok := tags["session"]
	assert.False(ok)

	// Case 2: session in the context
	tags = uut.GetLogTagsForContext(WithSessionID(context.Background(), "sess-1"))
	assert.Equal("sess-1", tags["session"])
	assert.Equal("common", tags["module"])
}

func TestSafeInvoke(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	called := false
	assert.Nil(SafeInvoke(log.Fields{}, "ut", func() { called = true }))
	assert.True(called)

	err := SafeInvoke(log.Fields{}, "ut", func() { panic("boom") })
	assert.NotNil(err)
	assert.Contains(err.Error(), "boom")
}
