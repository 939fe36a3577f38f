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

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/protocol"
	"github.com/apex/log"
)

// Channel one logical stream to a service, multiplexed over the link connection
type Channel interface {
	// ID the channel ID
	ID() uint64
	// Service the service the channel is bound to
	Service() string
	// Parameters a copy of the parameters given at open time
	Parameters() map[string]interface{}
	// State the channel state
	State() ChannelState

	// Send send a frame on the channel. The channel must be Opened.
	Send(msg protocol.Message) error
	// Close close the channel. Closing is immediate and final.
	Close() error
	// AwaitOpened wait for the channel to be Opened. Fails if the channel closes first.
	AwaitOpened(ctxt context.Context) error

	// AddMessageListener listen for service frames received on the channel
	AddMessageListener(listener func(protocol.Frame)) ListenerHandle
	// AddStateChangeListener listen for channel state changes
	//
	// If the channel is already Opened or Closed, the listener is called immediately
	// with the current state.
	AddStateChangeListener(listener func(ChannelState)) ListenerHandle
	// AddErrorListener listen for channel errors
	AddErrorListener(listener func(error)) ListenerHandle
}

// channelImpl implements Channel
type channelImpl struct {
	goutils.Component
	client     *clientImpl
	id         uint64
	service    string
	parameters map[string]interface{}

	// guarded by the client lock
	state           ChannelState
	awaitingRequest bool
	openWaiters     waiterSet
	closeCause      error

	messageListeners *common.ListenerRegistry[func(protocol.Frame)]
	stateListeners   *common.ListenerRegistry[func(ChannelState)]
	errorListeners   *common.ListenerRegistry[func(error)]
}

func newChannel(
	client *clientImpl, id uint64, service string, parameters map[string]interface{},
) *channelImpl {
	logTags := log.Fields{
		"module":    "link",
		"component": "channel",
		"instance":  client.params.Name,
		"channel":   id,
		"service":   service,
	}
	params := make(map[string]interface{}, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	return &channelImpl{
		Component:        goutils.Component{LogTags: logTags},
		client:           client,
		id:               id,
		service:          service,
		parameters:       params,
		state:            Requested,
		messageListeners: common.NewListenerRegistry[func(protocol.Frame)](),
		stateListeners:   common.NewListenerRegistry[func(ChannelState)](),
		errorListeners:   common.NewListenerRegistry[func(error)](),
	}
}

func (ch *channelImpl) ID() uint64 {
	return ch.id
}

func (ch *channelImpl) Service() string {
	return ch.service
}

func (ch *channelImpl) Parameters() map[string]interface{} {
	result := make(map[string]interface{}, len(ch.parameters))
	for k, v := range ch.parameters {
		result[k] = v
	}
	return result
}

func (ch *channelImpl) State() ChannelState {
	ch.client.lock.Lock()
	defer ch.client.lock.Unlock()
	return ch.state
}

// Send send a frame on the channel
func (ch *channelImpl) Send(msg protocol.Message) error {
	ch.client.lock.Lock()
	defer ch.client.lock.Unlock()
	if ch.state != Opened {
		return protocol.NewLinkError(
			protocol.ErrorBadAction, "channel %d is %s, not Opened", ch.id, ch.state,
		)
	}
	msg.GetHeader().Channel = ch.id
	return ch.client.send(msg)
}

// Close close the channel
func (ch *channelImpl) Close() error {
	ch.client.locked(func(notes *common.Notifications) {
		if ch.state == Closed {
			return
		}
		log.WithFields(ch.LogTags).Debug("Closing channel")
		ch.client.closeChannel(ch, nil, true, notes)
	})
	return nil
}

// AwaitOpened wait for the channel to be Opened
func (ch *channelImpl) AwaitOpened(ctxt context.Context) error {
	ch.client.lock.Lock()
	switch ch.state {
	case Opened:
		ch.client.lock.Unlock()
		return nil
	case Closed:
		cause := ch.closeCause
		ch.client.lock.Unlock()
		if cause != nil {
			return cause
		}
		return protocol.NewLinkError(protocol.ErrorBadAction, "channel %d closed", ch.id)
	}
	waiter := ch.openWaiters.add()
	ch.client.lock.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctxt.Done():
		ch.client.lock.Lock()
		ch.openWaiters.remove(waiter)
		ch.client.lock.Unlock()
		return ctxt.Err()
	}
}

func (ch *channelImpl) AddMessageListener(listener func(protocol.Frame)) ListenerHandle {
	return ch.messageListeners.Add(listener)
}

func (ch *channelImpl) AddStateChangeListener(listener func(ChannelState)) ListenerHandle {
	ch.client.lock.Lock()
	current := ch.state
	handle := ch.stateListeners.Add(listener)
	ch.client.lock.Unlock()
	if current == Opened || current == Closed {
		_ = common.SafeInvoke(ch.LogTags, "channel state listener", func() { listener(current) })
	}
	return handle
}

func (ch *channelImpl) AddErrorListener(listener func(error)) ListenerHandle {
	return ch.errorListeners.Add(listener)
}

// setState change the channel state
//
// NOTE: caller must hold the client lock
func (ch *channelImpl) setState(newState ChannelState, notes *common.Notifications) {
	if ch.state == newState {
		return
	}
	log.WithFields(ch.LogTags).Debugf("Channel %s -> %s", ch.state, newState)
	ch.state = newState
	for _, listener := range ch.stateListeners.Snapshot() {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(ch.LogTags, "channel state listener", func() { listener(newState) })
		})
	}
}

// reportError deliver an error to the channel error listeners
//
// NOTE: caller must hold the client lock
func (ch *channelImpl) reportError(err error, notes *common.Notifications) {
	listeners := ch.errorListeners.Snapshot()
	if len(listeners) == 0 {
		log.WithError(err).WithFields(ch.LogTags).Error("Channel error")
		return
	}
	for _, listener := range listeners {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(ch.LogTags, "channel error listener", func() { listener(err) })
		})
	}
}

// deliver hand a service frame to the message listeners
//
// NOTE: caller must hold the client lock
func (ch *channelImpl) deliver(frame protocol.Frame, notes *common.Notifications) {
	for _, listener := range ch.messageListeners.Snapshot() {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(ch.LogTags, "channel message listener", func() { listener(frame) })
		})
	}
}

// release drop every listener
func (ch *channelImpl) release() {
	ch.messageListeners.Release()
	ch.stateListeners.Release()
	ch.errorListeners.Release()
}
