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

package sink

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/feed"
	"github.com/apex/log"
)

// logSink writes every event to the log
type logSink struct {
	goutils.Component
	level log.Level
}

// GetLogSink define a sink logging each event at level
func GetLogSink(instance string, level log.Level) Sink {
	return &logSink{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "sink", "component": "log", "instance": instance},
		},
		level: level,
	}
}

func (s *logSink) Consume(ctxt context.Context, events []feed.Event) error {
	for _, event := range events {
		entry := log.WithFields(s.GetLogTagsForContext(ctxt)).WithFields(log.Fields(event.Fields))
		switch s.level {
		case log.DebugLevel:
			entry.Debug(event.Type)
		case log.WarnLevel:
			entry.Warn(event.Type)
		default:
			entry.Info(event.Type)
		}
	}
	return nil
}
