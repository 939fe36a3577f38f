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

// Package feed implements the market data feed on top of a link channel.
//
// The feed keeps the desired subscription set, and sends the server minimal add / remove
// deltas. Mutations are batched over a short window, and the resulting delta is split
// into chunks of bounded estimated size. When the channel is opened again after a
// reconnect, every known subscription is sent again after a reset.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/link"
	"github.com/alwitt/linkfeed/protocol"
	"github.com/alwitt/linkfeed/scheduler"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// processPendingsKey scheduler key of the subscription flush
const processPendingsKey = "processPendings"

// Params parameters of a Feed
type Params struct {
	// Name instance name, used in logs
	Name string `validate:"required"`
	// Contract the delivery contract
	Contract Contract `validate:"required,oneof=TICKER HISTORY STREAM AUTO"`
	// BatchSubscriptionsTime subscription changes within this window are sent together
	BatchSubscriptionsTime time.Duration `validate:"gt=0"`
	// MaxSendSubscriptionChunkSize max estimated size of one subscription delta, in bytes
	MaxSendSubscriptionChunkSize int `validate:"gte=64"`
}

// DefaultParams the default feed parameters
func DefaultParams(name string, contract Contract) Params {
	return Params{
		Name:                         name,
		Contract:                     contract,
		BatchSubscriptionsTime:       time.Millisecond * 100,
		MaxSendSubscriptionChunkSize: 8192,
	}
}

// Validate check the parameters
func (p Params) Validate() error {
	return validator.New().Struct(&p)
}

// ParamsFromConfig build the feed parameters and preferences from the system config
func ParamsFromConfig(name string, cfg common.FeedConfig) (Params, Setup) {
	params := Params{
		Name:                         name,
		Contract:                     Contract(cfg.Contract),
		BatchSubscriptionsTime:       time.Millisecond * time.Duration(cfg.BatchSubscriptionsTime),
		MaxSendSubscriptionChunkSize: cfg.MaxSendSubscriptionChunkSize,
	}
	setup := Setup{}
	if cfg.AcceptAggregationPeriod > 0 {
		period := cfg.AcceptAggregationPeriod
		setup.AcceptAggregationPeriod = &period
	}
	if cfg.AcceptDataFormat != "" {
		format := DataFormat(cfg.AcceptDataFormat)
		setup.AcceptDataFormat = &format
	}
	if len(cfg.AcceptEventFields) > 0 {
		setup.AcceptEventFields = make(map[string][]string, len(cfg.AcceptEventFields))
		for _, entry := range cfg.AcceptEventFields {
			setup.AcceptEventFields[entry.EventType] = append([]string{}, entry.Fields...)
		}
	}
	return params, setup
}

// Feed market data feed
type Feed interface {
	// Channel the underlying link channel
	Channel() link.Channel

	// AddSubscriptions add, or replace, subscriptions
	AddSubscriptions(subs ...Subscription) error
	// RemoveSubscriptions remove subscriptions
	RemoveSubscriptions(subs ...Subscription) error
	// ClearSubscriptions remove every subscription
	ClearSubscriptions() error
	// Subscriptions the desired subscriptions, including changes not yet sent
	Subscriptions() []Subscription

	// Configure set the feed preferences. They are sent now if the channel is opened,
	// and again whenever it is opened.
	Configure(setup Setup) error
	// Config the feed parameters announced by the server
	Config() Config
	// State the channel state
	State() link.ChannelState

	// AddEventListener listen for decoded events
	AddEventListener(listener func([]Event)) common.ListenerHandle
	// AddConfigListener listen for server configuration changes
	AddConfigListener(listener func(Config)) common.ListenerHandle
	// AddStateChangeListener listen for channel state changes
	AddStateChangeListener(listener func(link.ChannelState)) common.ListenerHandle
	// AddErrorListener listen for feed errors, including undecodable data
	AddErrorListener(listener func(error)) common.ListenerHandle

	// Close close the feed channel
	Close() error
}

// feedImpl implements Feed
type feedImpl struct {
	goutils.Component
	params  Params
	channel link.Channel
	timers  scheduler.Scheduler

	lock          sync.Mutex
	pendingAdd    *subscriptionSet
	pendingRemove *subscriptionSet
	pendingReset  bool
	subscriptions *subscriptionSet
	touchedEvents map[string]bool
	setup         *Setup
	config        Config
	openedOnce    bool
	closed        bool

	channelHandles []common.ListenerHandle

	eventListeners  *common.ListenerRegistry[func([]Event)]
	configListeners *common.ListenerRegistry[func(Config)]
	stateListeners  *common.ListenerRegistry[func(link.ChannelState)]
	errorListeners  *common.ListenerRegistry[func(error)]
}

// DefineFeed open a feed channel on an authorized client
func DefineFeed(client link.Client, params Params) (Feed, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "feed", "component": "feed", "instance": params.Name,
	}

	timers, err := client.NewScheduler(params.Name + "-subscriptions")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription scheduler")
		return nil, err
	}

	channel, err := client.OpenChannel(
		ServiceName, map[string]interface{}{"contract": string(params.Contract)},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open feed channel")
		_ = timers.Stop()
		return nil, err
	}
	logTags["channel"] = channel.ID()

	instance := &feedImpl{
		Component:       goutils.Component{LogTags: logTags},
		params:          params,
		channel:         channel,
		timers:          timers,
		pendingAdd:      newSubscriptionSet(),
		pendingRemove:   newSubscriptionSet(),
		subscriptions:   newSubscriptionSet(),
		touchedEvents:   make(map[string]bool),
		config:          Config{EventFields: make(map[string][]string)},
		eventListeners:  common.NewListenerRegistry[func([]Event)](),
		configListeners: common.NewListenerRegistry[func(Config)](),
		stateListeners:  common.NewListenerRegistry[func(link.ChannelState)](),
		errorListeners:  common.NewListenerRegistry[func(error)](),
	}

	instance.channelHandles = []common.ListenerHandle{
		channel.AddMessageListener(instance.onFrame),
		channel.AddErrorListener(instance.onChannelError),
		channel.AddStateChangeListener(instance.onChannelState),
	}
	return instance, nil
}

// locked run action under the feed lock, then make the notifications it collected
func (f *feedImpl) locked(action func(notes *common.Notifications)) {
	notes := common.Notifications{}
	func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		action(&notes)
	}()
	notes.Run()
}

func (f *feedImpl) Channel() link.Channel {
	return f.channel
}

func (f *feedImpl) State() link.ChannelState {
	return f.channel.State()
}

func (f *feedImpl) Config() Config {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.config.clone()
}

// ========================================================================================
// Listeners

func (f *feedImpl) AddEventListener(listener func([]Event)) common.ListenerHandle {
	return f.eventListeners.Add(listener)
}

func (f *feedImpl) AddConfigListener(listener func(Config)) common.ListenerHandle {
	return f.configListeners.Add(listener)
}

func (f *feedImpl) AddStateChangeListener(
	listener func(link.ChannelState),
) common.ListenerHandle {
	return f.stateListeners.Add(listener)
}

func (f *feedImpl) AddErrorListener(listener func(error)) common.ListenerHandle {
	return f.errorListeners.Add(listener)
}

// reportError deliver an error to the feed error listeners
//
// NOTE: caller must hold the lock
func (f *feedImpl) reportError(err error, notes *common.Notifications) {
	log.WithError(err).WithFields(f.LogTags).Error("Feed error")
	for _, listener := range f.errorListeners.Snapshot() {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(f.LogTags, "feed error listener", func() { listener(err) })
		})
	}
}

// ========================================================================================
// Subscription mutations

// validateSubscriptions check the shape of the subscriptions
func validateSubscriptions(subs []Subscription) error {
	validate := validator.New()
	for idx := range subs {
		if err := validate.Struct(&subs[idx]); err != nil {
			return protocol.WrapLinkError(
				err, protocol.ErrorBadAction, "invalid subscription %s", subs[idx].Key(),
			)
		}
	}
	return nil
}

// AddSubscriptions add, or replace, subscriptions
func (f *feedImpl) AddSubscriptions(subs ...Subscription) error {
	if err := validateSubscriptions(subs); err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return protocol.NewLinkError(protocol.ErrorBadAction, "feed is closed")
	}
	for _, sub := range subs {
		f.pendingRemove.delete(sub.Key())
		f.pendingAdd.upsert(sub)
	}
	f.scheduleFlush()
	return nil
}

// RemoveSubscriptions remove subscriptions
func (f *feedImpl) RemoveSubscriptions(subs ...Subscription) error {
	if err := validateSubscriptions(subs); err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return protocol.NewLinkError(protocol.ErrorBadAction, "feed is closed")
	}
	for _, sub := range subs {
		key := sub.Key()
		f.pendingAdd.delete(key)
		// Only subscriptions the server knows need removing
		if f.subscriptions.has(key) {
			f.pendingRemove.upsert(sub)
		}
	}
	f.scheduleFlush()
	return nil
}

// ClearSubscriptions remove every subscription
func (f *feedImpl) ClearSubscriptions() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return protocol.NewLinkError(protocol.ErrorBadAction, "feed is closed")
	}
	f.pendingAdd = newSubscriptionSet()
	f.pendingRemove = newSubscriptionSet()
	f.subscriptions = newSubscriptionSet()
	f.pendingReset = true
	f.scheduleFlush()
	return nil
}

// Subscriptions the desired subscriptions
func (f *feedImpl) Subscriptions() []Subscription {
	f.lock.Lock()
	defer f.lock.Unlock()
	desired := newSubscriptionSet()
	for _, sub := range f.subscriptions.list() {
		if !f.pendingRemove.has(sub.Key()) {
			desired.upsert(sub)
		}
	}
	for _, sub := range f.pendingAdd.list() {
		desired.upsert(sub)
	}
	return desired.list()
}

// scheduleFlush arm the subscription flush, unless already armed
//
// NOTE: caller must hold the lock
func (f *feedImpl) scheduleFlush() {
	if f.timers.Has(processPendingsKey) {
		return
	}
	err := f.timers.Schedule(processPendingsKey, f.params.BatchSubscriptionsTime, func() {
		f.locked(f.processPendings)
	})
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Unable to schedule subscription flush")
	}
}

// ========================================================================================
// Outbound

// send send a frame on the feed channel
//
// NOTE: caller must hold the lock
func (f *feedImpl) send(msg protocol.Message, notes *common.Notifications) bool {
	if err := f.channel.Send(msg); err != nil {
		f.reportError(err, notes)
		return false
	}
	return true
}

// eventFieldsFor the preferred fields of the given event types, if any are configured
//
// NOTE: caller must hold the lock
func (f *feedImpl) eventFieldsFor(eventTypes []string) map[string][]string {
	if f.setup == nil || len(f.setup.AcceptEventFields) == 0 {
		return nil
	}
	result := map[string][]string{}
	for _, eventType := range eventTypes {
		if fields, ok := f.setup.AcceptEventFields[eventType]; ok {
			result[eventType] = fields
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// touchedEventTypes the event types announced this session, sorted
//
// NOTE: caller must hold the lock
func (f *feedImpl) touchedEventTypes() []string {
	result := make([]string, 0, len(f.touchedEvents))
	for eventType := range f.touchedEvents {
		result = append(result, eventType)
	}
	sort.Strings(result)
	return result
}

// sendSetup send the aggregation and format preferences, with the field preferences of
// eventTypes
//
// NOTE: caller must hold the lock
func (f *feedImpl) sendSetup(eventTypes []string, notes *common.Notifications) {
	setup := Setup{}
	if f.setup != nil {
		setup.AcceptAggregationPeriod = f.setup.AcceptAggregationPeriod
		setup.AcceptDataFormat = f.setup.AcceptDataFormat
	}
	setup.AcceptEventFields = f.eventFieldsFor(eventTypes)
	f.send(newSetupMessage(setup), notes)
}

// sendChunk send one subscription delta, announcing the field preferences of the event
// types it introduces first
//
// NOTE: caller must hold the lock
func (f *feedImpl) sendChunk(
	chunk *SubscriptionMessage, newTypes []string, notes *common.Notifications,
) {
	if fields := f.eventFieldsFor(newTypes); fields != nil {
		f.send(newSetupMessage(Setup{AcceptEventFields: fields}), notes)
	}
	log.WithFields(f.LogTags).Debugf(
		"Sending subscription delta: reset=%v add=%d remove=%d",
		chunk.Reset != nil, len(chunk.Add), len(chunk.Remove),
	)
	f.send(chunk, notes)
}

// processPendings send the pending subscription changes
//
// NOTE: caller must hold the lock
func (f *feedImpl) processPendings(notes *common.Notifications) {
	f.timers.Cancel(processPendingsKey)
	if f.closed || f.channel.State() != link.Opened {
		return
	}
	if !f.pendingReset && f.pendingAdd.len() == 0 && f.pendingRemove.len() == 0 {
		return
	}

	chunk := newSubscriptionMessage()
	chunkSize := 0
	newTypes := []string{}
	if f.pendingReset {
		reset := true
		chunk.Reset = &reset
		f.pendingReset = false
	}
	flushChunk := func() {
		f.sendChunk(chunk, newTypes, notes)
		chunk = newSubscriptionMessage()
		chunkSize = 0
		newTypes = []string{}
	}
	// Entries are never split, and a chunk holds at least one
	makeRoom := func(entrySize int) {
		if chunkSize > 0 && chunkSize+entrySize > f.params.MaxSendSubscriptionChunkSize {
			flushChunk()
		}
		chunkSize += entrySize
	}

	for _, sub := range f.pendingRemove.drain() {
		f.subscriptions.delete(sub.Key())
		makeRoom(sub.estimatedSize())
		chunk.Remove = append(chunk.Remove, sub)
	}
	for _, sub := range f.pendingAdd.drain() {
		f.subscriptions.upsert(sub)
		makeRoom(sub.estimatedSize())
		if !f.touchedEvents[sub.Type] {
			f.touchedEvents[sub.Type] = true
			newTypes = append(newTypes, sub.Type)
		}
		chunk.Add = append(chunk.Add, sub)
	}
	if chunk.Reset != nil || len(chunk.Add) > 0 || len(chunk.Remove) > 0 {
		flushChunk()
	}
}

// Configure set the feed preferences
func (f *feedImpl) Configure(setup Setup) error {
	var failure error
	f.locked(func(notes *common.Notifications) {
		if f.closed {
			failure = protocol.NewLinkError(protocol.ErrorBadAction, "feed is closed")
			return
		}
		stored := setup
		f.setup = &stored
		if f.channel.State() != link.Opened {
			return
		}
		if err := f.channel.Send(newSetupMessage(Setup{
			AcceptAggregationPeriod: setup.AcceptAggregationPeriod,
			AcceptDataFormat:        setup.AcceptDataFormat,
			AcceptEventFields:       f.eventFieldsFor(f.touchedEventTypes()),
		})); err != nil {
			failure = err
		}
	})
	return failure
}

// ========================================================================================
// Channel signals

// onChannelState react to channel state changes
func (f *feedImpl) onChannelState(state link.ChannelState) {
	f.locked(func(notes *common.Notifications) {
		switch state {
		case link.Opened:
			if f.closed {
				return
			}
			if f.openedOnce {
				f.reopened(notes)
			} else {
				f.openedOnce = true
				if f.setup != nil {
					f.sendSetup(nil, notes)
				}
			}
			f.processPendings(notes)

		case link.Closed:
			f.closed = true
			f.timers.Clear()
		}

		for _, listener := range f.stateListeners.Snapshot() {
			listener := listener
			notes.Add(func() {
				_ = common.SafeInvoke(f.LogTags, "feed state listener", func() { listener(state) })
			})
		}
		if state == link.Closed {
			notes.Add(f.release)
		}
	})
}

// reopened prepare to send the whole subscription set to a server which has forgotten
// it
//
// NOTE: caller must hold the lock
func (f *feedImpl) reopened(notes *common.Notifications) {
	log.WithFields(f.LogTags).Info("Feed channel reopened, resubscribing")
	f.touchedEvents = make(map[string]bool)
	f.sendSetup(nil, notes)

	// Removals made while the channel was down must not be re-added
	for _, sub := range f.pendingRemove.drain() {
		f.subscriptions.delete(sub.Key())
	}
	newer := f.pendingAdd.drain()
	for _, sub := range f.subscriptions.drain() {
		f.pendingAdd.upsert(sub)
	}
	for _, sub := range newer {
		f.pendingAdd.upsert(sub)
	}
	f.pendingReset = true
}

// onFrame process a frame received on the feed channel
func (f *feedImpl) onFrame(frame protocol.Frame) {
	f.locked(func(notes *common.Notifications) {
		switch frame.Type {
		case TypeFeedConfig:
			var msg ConfigMessage
			if err := frame.Decode(&msg); err != nil {
				f.reportError(err, notes)
				return
			}
			f.config = f.config.merge(msg)
			config := f.config.clone()
			for _, listener := range f.configListeners.Snapshot() {
				listener := listener
				notes.Add(func() {
					_ = common.SafeInvoke(f.LogTags, "feed config listener", func() { listener(config) })
				})
			}

		case TypeFeedData:
			var msg DataMessage
			if err := frame.Decode(&msg); err != nil {
				f.reportError(err, notes)
				return
			}
			events, err := decodeData(msg.Data, f.config)
			if err != nil {
				f.reportError(err, notes)
				return
			}
			if len(events) == 0 {
				return
			}
			for _, listener := range f.eventListeners.Snapshot() {
				listener := listener
				notes.Add(func() {
					_ = common.SafeInvoke(f.LogTags, "feed event listener", func() { listener(events) })
				})
			}

		default:
			log.WithFields(f.LogTags).Debugf("Ignoring %s", frame.Type)
		}
	})
}

// onChannelError forward channel errors
func (f *feedImpl) onChannelError(err error) {
	f.locked(func(notes *common.Notifications) {
		f.reportError(err, notes)
	})
}

// release drop every feed listener
func (f *feedImpl) release() {
	f.eventListeners.Release()
	f.configListeners.Release()
	f.stateListeners.Release()
	f.errorListeners.Release()
}

// Close close the feed channel
func (f *feedImpl) Close() error {
	f.lock.Lock()
	f.closed = true
	f.lock.Unlock()
	_ = f.timers.Stop()
	return f.channel.Close()
}
