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

// Package sink delivers decoded feed events to their consumers.
package sink

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/feed"
	"github.com/apex/log"
)

// Sink consumer of decoded feed events
type Sink interface {
	// Consume process one batch of events
	Consume(ctxt context.Context, events []feed.Event) error
}

// SinkFunc adapt a function into a Sink
type SinkFunc func(ctxt context.Context, events []feed.Event) error

// Consume implements Sink
func (f SinkFunc) Consume(ctxt context.Context, events []feed.Event) error {
	return f(ctxt, events)
}

// Forwarder relays feed events to sinks from its own event loop. Feed listeners run on
// the link event loop, and must not wait on a sink.
type Forwarder interface {
	// Attach forward the events of a feed
	Attach(source feed.Feed) common.ListenerHandle
	// Forward queue a batch of events for the sinks
	Forward(events []feed.Event) error
	// Stop stop the event loop. Queued batches are dropped.
	Stop() error
}

// eventBatch one queued batch
type eventBatch struct {
	events []feed.Event
}

// forwarderImpl implements Forwarder
type forwarderImpl struct {
	goutils.Component
	sinks         []Sink
	queue         common.TaskProcessor
	submitTimeout time.Duration
	ctxt          context.Context
}

// GetForwarder define a new Forwarder, and start its event loop
//
// A batch which cannot be queued within submitTimeout is dropped.
func GetForwarder(
	name string,
	sinks []Sink,
	buffer int,
	submitTimeout time.Duration,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Forwarder, error) {
	logTags := log.Fields{"module": "sink", "component": "forwarder", "instance": name}
	queue, err := common.GetNewTaskProcessorInstance(name, buffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &forwarderImpl{
		Component:     goutils.Component{LogTags: logTags},
		sinks:         sinks,
		queue:         queue,
		submitTimeout: submitTimeout,
		ctxt:          ctxt,
	}
	if err := queue.AddToTaskExecutionMap(
		reflect.TypeOf(eventBatch{}), instance.processBatch,
	); err != nil {
		return nil, err
	}
	if err := queue.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

func (f *forwarderImpl) Attach(source feed.Feed) common.ListenerHandle {
	return source.AddEventListener(func(events []feed.Event) {
		if err := f.Forward(events); err != nil {
			log.WithError(err).WithFields(f.LogTags).Warnf("Dropped %d events", len(events))
		}
	})
}

func (f *forwarderImpl) Forward(events []feed.Event) error {
	ctxt, cancel := context.WithTimeout(f.ctxt, f.submitTimeout)
	defer cancel()
	return f.queue.Submit(ctxt, eventBatch{events: events})
}

func (f *forwarderImpl) processBatch(param interface{}) error {
	batch := param.(eventBatch)
	for _, sink := range f.sinks {
		if err := sink.Consume(f.ctxt, batch.events); err != nil {
			log.WithError(err).WithFields(f.LogTags).Error("Sink failed to consume events")
		}
	}
	return nil
}

func (f *forwarderImpl) Stop() error {
	return f.queue.StopEventLoop()
}
