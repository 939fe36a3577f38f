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

// Package link implements the client side of the link protocol: the connection
// handshake, keepalive supervision, authentication, reconnection, and the multiplexing
// of channels over one transport connection.
//
// Every transport signal and every timer callback of a Client is processed on one event
// loop, in order. Listener callbacks are made without holding the client lock, so a
// listener may call back into the Client or its Channels. A listener which blocks stalls
// the delivery of every following signal.
package link

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/protocol"
	"github.com/alwitt/linkfeed/scheduler"
	"github.com/alwitt/linkfeed/transport"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Scheduler keys used by the connection engine
const (
	keySetupTimeout     = "setup-timeout"
	keyKeepaliveSend    = "keepalive-send"
	keyKeepaliveTimeout = "keepalive-timeout"
	keyAuthTimeout      = "auth-timeout"
	keyReconnect        = "reconnect"
)

// channelOpenKey scheduler key of a channel open timeout
func channelOpenKey(id uint64) string {
	return fmt.Sprintf("channel-open/%d", id)
}

var (
	errDisconnected = protocol.NewLinkError(protocol.ErrorBadAction, "client disconnected")
	errClientClosed = protocol.NewLinkError(protocol.ErrorBadAction, "client closed")
)

// Client link protocol client
type Client interface {
	// Connect connect to the server at url, and wait for the handshake to complete
	//
	// Connecting while already connecting or connected first disconnects. When ctxt
	// expires first, the connection attempt continues in the background.
	Connect(ctxt context.Context, url string) error
	// Disconnect close the connection without reconnecting. Every channel is closed.
	Disconnect() error
	// Close disconnect, and release every resource of the client
	Close() error

	// SetAuthToken set the auth token. If connected, it is sent immediately. Otherwise
	// it is sent once the next handshake completes.
	SetAuthToken(token string) error
	// AwaitAuthorized wait for the link to become authorized
	AwaitAuthorized(ctxt context.Context) error

	// OpenChannel request a channel to a service. The link must be authorized.
	OpenChannel(service string, parameters map[string]interface{}) (Channel, error)

	// State the connection state
	State() ConnectionState
	// AuthState the authentication state
	AuthState() AuthState
	// ConnectionDetails parameters negotiated during the handshake
	ConnectionDetails() ConnectionDetails

	// NewScheduler define a scheduler whose callbacks run on the client event loop
	NewScheduler(name string) (scheduler.Scheduler, error)

	// AddStateChangeListener listen for connection state changes
	AddStateChangeListener(listener func(ConnectionState)) ListenerHandle
	// AddAuthStateChangeListener listen for authentication state changes
	AddAuthStateChangeListener(listener func(AuthState)) ListenerHandle
	// AddErrorListener listen for connection level errors
	AddErrorListener(listener func(error)) ListenerHandle
}

// ========================================================================================
// Event loop tasks

type transportDialedTask struct {
	generation uint64
	conn       transport.Transport
	err        error
}

type transportOpenedTask struct {
	generation uint64
}

type transportFrameTask struct {
	generation uint64
	payload    []byte
}

type transportClosedTask struct {
	generation uint64
	err        error
}

type scheduledTask struct {
	run func()
}

// connectionHandler forwards the signals of one transport connection to the event loop
type connectionHandler struct {
	client     *clientImpl
	generation uint64
}

func (h connectionHandler) OnOpen() {
	h.client.submit(transportOpenedTask{generation: h.generation})
}

func (h connectionHandler) OnMessage(payload []byte) {
	h.client.submit(transportFrameTask{generation: h.generation, payload: payload})
}

func (h connectionHandler) OnClose(err error) {
	h.client.submit(transportClosedTask{generation: h.generation, err: err})
}

// ========================================================================================

// clientImpl implements Client
type clientImpl struct {
	goutils.Component
	params  ClientParams
	dialer  transport.Dialer
	metrics *Metrics

	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
	loop          common.TaskProcessor
	timers        scheduler.Scheduler

	lock sync.Mutex
	// url of the server; set by Connect
	url string
	// wantConnected the user asked to connect, and has not disconnected since
	wantConnected bool
	// generation identifies the current connection attempt. Signals of older
	// attempts are ignored.
	generation     uint64
	conn           transport.Transport
	sessionID      string
	state          ConnectionState
	authState      AuthState
	authToken      string
	authAttempted  bool
	// authFailure why the last auth attempt failed
	authFailure    error
	details        ConnectionDetails
	reconnectCount int
	connectWaiters waiterSet
	authWaiters    waiterSet
	nextChannelID  uint64
	channels       map[uint64]*channelImpl
	closed         bool

	stateListeners     *common.ListenerRegistry[func(ConnectionState)]
	authStateListeners *common.ListenerRegistry[func(AuthState)]
	errorListeners     *common.ListenerRegistry[func(error)]
}

// DefineClient define a new link Client
//
// The client event loop runs until Close is called, or rootCtxt is cancelled. metrics
// may be nil.
func DefineClient(
	params ClientParams,
	dialer transport.Dialer,
	metrics *Metrics,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "link", "component": "client", "instance": params.Name,
	}
	ctxt, cancel := context.WithCancel(rootCtxt)

	instance := &clientImpl{
		Component:     goutils.Component{LogTags: logTags},
		params:        params,
		dialer:        dialer,
		metrics:       metrics,
		rootContext:   ctxt,
		contextCancel: cancel,
		wg:            wg,
		state:         NotConnected,
		authState:     Unauthorized,
		details: ConnectionDetails{
			ProtocolVersion:       protocol.ProtocolVersion,
			ClientVersion:         params.ClientVersion,
			LocalKeepaliveTimeout: seconds(params.KeepaliveTimeout),
		},
		nextChannelID:      1,
		channels:           make(map[uint64]*channelImpl),
		stateListeners:     common.NewListenerRegistry[func(ConnectionState)](),
		authStateListeners: common.NewListenerRegistry[func(AuthState)](),
		errorListeners:     common.NewListenerRegistry[func(error)](),
	}

	loop, err := common.GetNewTaskProcessorInstance(params.Name, params.TaskBuffer, ctxt)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := loop.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(transportDialedTask{}): instance.processTransportDialed,
		reflect.TypeOf(transportOpenedTask{}): instance.processTransportOpened,
		reflect.TypeOf(transportFrameTask{}):  instance.processTransportFrame,
		reflect.TypeOf(transportClosedTask{}): instance.processTransportClosed,
		reflect.TypeOf(scheduledTask{}):       instance.processScheduledTask,
	}); err != nil {
		cancel()
		return nil, err
	}
	instance.loop = loop

	timers, err := instance.NewScheduler(fmt.Sprintf("%s-timers", params.Name))
	if err != nil {
		cancel()
		return nil, err
	}
	instance.timers = timers

	if err := loop.StartEventLoop(wg); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

// submit queue a task on the event loop
func (c *clientImpl) submit(task interface{}) {
	if err := c.loop.Submit(c.rootContext, task); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Dropped %T", task)
	}
}

// executor run scheduler callbacks on the event loop
func (c *clientImpl) executor(task func()) error {
	return c.loop.Submit(c.rootContext, scheduledTask{run: task})
}

// NewScheduler define a scheduler whose callbacks run on the client event loop
func (c *clientImpl) NewScheduler(name string) (scheduler.Scheduler, error) {
	return scheduler.GetSchedulerInstance(
		name, c.params.SchedulerBatchFraction, c.executor, c.rootContext, c.wg,
	)
}

// locked run action under the client lock, then make the notifications it collected
func (c *clientImpl) locked(action func(notes *common.Notifications)) {
	notes := common.Notifications{}
	func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		action(&notes)
	}()
	notes.Run()
}

// schedule arm a connection timer which only fires for the current connection attempt
//
// NOTE: caller must hold the lock
func (c *clientImpl) schedule(
	key string, delay time.Duration, action func(notes *common.Notifications),
) {
	generation := c.generation
	err := c.timers.Schedule(key, delay, func() {
		c.locked(func(notes *common.Notifications) {
			if generation != c.generation {
				return
			}
			action(notes)
		})
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to schedule %s", key)
	}
}

// ========================================================================================
// State and listeners

// State the connection state
func (c *clientImpl) State() ConnectionState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// AuthState the authentication state
func (c *clientImpl) AuthState() AuthState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.authState
}

// ConnectionDetails parameters negotiated during the handshake
func (c *clientImpl) ConnectionDetails() ConnectionDetails {
	c.lock.Lock()
	defer c.lock.Unlock()
	details := c.details
	if c.details.RemoteVersion != nil {
		remote := *c.details.RemoteVersion
		details.RemoteVersion = &remote
	}
	if c.details.RemoteKeepaliveTimeout != nil {
		remote := *c.details.RemoteKeepaliveTimeout
		details.RemoteKeepaliveTimeout = &remote
	}
	return details
}

// AddStateChangeListener listen for connection state changes
func (c *clientImpl) AddStateChangeListener(listener func(ConnectionState)) ListenerHandle {
	return c.stateListeners.Add(listener)
}

// AddAuthStateChangeListener listen for authentication state changes
func (c *clientImpl) AddAuthStateChangeListener(listener func(AuthState)) ListenerHandle {
	return c.authStateListeners.Add(listener)
}

// AddErrorListener listen for connection level errors
func (c *clientImpl) AddErrorListener(listener func(error)) ListenerHandle {
	return c.errorListeners.Add(listener)
}

// setState change the connection state
//
// NOTE: caller must hold the lock
func (c *clientImpl) setState(newState ConnectionState, notes *common.Notifications) {
	if c.state == newState {
		return
	}
	log.WithFields(c.LogTags).Debugf("Connection %s -> %s", c.state, newState)
	c.state = newState
	for _, listener := range c.stateListeners.Snapshot() {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(c.LogTags, "connection state listener", func() { listener(newState) })
		})
	}
}

// setAuthState change the authentication state
//
// NOTE: caller must hold the lock
func (c *clientImpl) setAuthState(newState AuthState, notes *common.Notifications) {
	if c.authState == newState {
		return
	}
	log.WithFields(c.LogTags).Debugf("Auth %s -> %s", c.authState, newState)
	c.authState = newState
	for _, listener := range c.authStateListeners.Snapshot() {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(c.LogTags, "auth state listener", func() { listener(newState) })
		})
	}
}

// reportError deliver a connection level error to the error listeners
//
// NOTE: caller must hold the lock
func (c *clientImpl) reportError(err error, notes *common.Notifications) {
	listeners := c.errorListeners.Snapshot()
	if len(listeners) == 0 {
		log.WithError(err).WithFields(c.LogTags).Error("Connection error")
		return
	}
	for _, listener := range listeners {
		listener := listener
		notes.Add(func() {
			_ = common.SafeInvoke(c.LogTags, "connection error listener", func() { listener(err) })
		})
	}
}

// ========================================================================================
// Connection lifecycle

// Connect connect to the server at url, and wait for the handshake to complete
func (c *clientImpl) Connect(ctxt context.Context, url string) error {
	var waiter chan error
	var refusal error
	c.locked(func(notes *common.Notifications) {
		if c.closed {
			refusal = errClientClosed
			return
		}
		if c.state != NotConnected {
			c.disconnect(errDisconnected, notes)
		}
		c.timers.Cancel(keyReconnect)
		c.url = url
		c.wantConnected = true
		c.reconnectCount = 0
		waiter = c.connectWaiters.add()
		c.startConnecting(notes)
	})
	if refusal != nil {
		return refusal
	}
	select {
	case err := <-waiter:
		return err
	case <-ctxt.Done():
		c.lock.Lock()
		c.connectWaiters.remove(waiter)
		c.lock.Unlock()
		return ctxt.Err()
	}
}

// startConnecting begin a new connection attempt
//
// NOTE: caller must hold the lock
func (c *clientImpl) startConnecting(notes *common.Notifications) {
	c.generation++
	generation := c.generation
	c.sessionID = uuid.New().String()
	c.setState(Connecting, notes)

	url := c.url
	dialCtxt, cancel := context.WithTimeout(
		common.WithSessionID(c.rootContext, c.sessionID), c.params.ActionTimeout,
	)
	log.WithFields(c.LogTags).WithField("session", c.sessionID).Infof("Connecting to %s", url)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		conn, err := c.dialer.Dial(dialCtxt, url)
		task := transportDialedTask{generation: generation, conn: conn, err: err}
		if err := c.loop.Submit(c.rootContext, task); err != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *clientImpl) processTransportDialed(param interface{}) error {
	task, ok := param.(transportDialedTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", param)
	}
	c.locked(func(notes *common.Notifications) {
		if task.generation != c.generation {
			if task.conn != nil {
				conn := task.conn
				notes.Add(func() { _ = conn.Close() })
			}
			return
		}
		if task.err != nil {
			c.connectionFailed(
				protocol.WrapLinkError(task.err, protocol.ErrorUnknown, "dial %s failed", c.url), notes,
			)
			return
		}
		c.conn = task.conn
		if err := task.conn.Start(connectionHandler{client: c, generation: task.generation}); err != nil {
			c.connectionFailed(
				protocol.WrapLinkError(err, protocol.ErrorUnknown, "transport start failed"), notes,
			)
		}
	})
	return nil
}

func (c *clientImpl) processTransportOpened(param interface{}) error {
	task, ok := param.(transportOpenedTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", param)
	}
	c.locked(func(notes *common.Notifications) {
		if task.generation != c.generation || c.state != Connecting {
			return
		}
		setup := protocol.NewSetupMessage(
			protocol.FormatVersion(c.params.ClientVersion),
			seconds(c.params.KeepaliveTimeout),
			seconds(c.params.AcceptKeepaliveTimeout),
		)
		if err := c.send(setup); err != nil {
			c.connectionFailed(
				protocol.WrapLinkError(err, protocol.ErrorUnknown, "unable to send SETUP"), notes,
			)
			return
		}
		c.schedule(keySetupTimeout, c.params.ActionTimeout, func(notes *common.Notifications) {
			if c.state != Connecting {
				return
			}
			c.connectionFailed(
				protocol.NewLinkError(
					protocol.ErrorTimeout, "no SETUP received within %s", c.params.ActionTimeout,
				),
				notes,
			)
		})
	})
	return nil
}

func (c *clientImpl) processTransportClosed(param interface{}) error {
	task, ok := param.(transportClosedTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", param)
	}
	c.locked(func(notes *common.Notifications) {
		if task.generation != c.generation || c.state == NotConnected {
			return
		}
		var cause error
		if task.err != nil {
			cause = protocol.WrapLinkError(task.err, protocol.ErrorUnknown, "connection lost")
		} else {
			cause = protocol.NewLinkError(protocol.ErrorUnknown, "connection closed")
		}
		c.connectionFailed(cause, notes)
	})
	return nil
}

func (c *clientImpl) processScheduledTask(param interface{}) error {
	task, ok := param.(scheduledTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", param)
	}
	task.run()
	return nil
}

// teardown drop the current connection, and invalidate its pending signals and timers
//
// NOTE: caller must hold the lock
func (c *clientImpl) teardown(cause error, notes *common.Notifications) {
	c.generation++
	if c.conn != nil {
		conn := c.conn
		notes.Add(func() { _ = conn.Close() })
		c.conn = nil
	}
	for _, key := range []string{keySetupTimeout, keyKeepaliveSend, keyKeepaliveTimeout, keyAuthTimeout} {
		c.timers.Cancel(key)
	}
	wasConnected := c.state == Connected
	if c.authState == Authorizing {
		c.authFailure = cause
	}
	c.setState(NotConnected, notes)
	c.authAttempted = false
	c.setAuthState(Unauthorized, notes)
	if wasConnected {
		c.metrics.connectionLost()
	}
	c.connectWaiters.resolve(cause)
	c.authWaiters.resolve(cause)
}

// connectionFailed handle a failure of the current connection, then apply the
// reconnect policy
//
// NOTE: caller must hold the lock
func (c *clientImpl) connectionFailed(cause error, notes *common.Notifications) {
	log.WithError(cause).WithFields(c.LogTags).Error("Connection failed")
	c.metrics.connectionFailed(cause)
	c.reportError(cause, notes)
	c.teardown(cause, notes)
	c.suspendChannels(notes)

	if !c.wantConnected {
		return
	}
	attempt := c.reconnectCount + 1
	if c.params.MaxReconnectAttempts < 0 ||
		(c.params.MaxReconnectAttempts > 0 && attempt > c.params.MaxReconnectAttempts) {
		log.WithFields(c.LogTags).Errorf("Giving up reconnecting after %d attempts", c.reconnectCount)
		c.wantConnected = false
		c.closeAllChannels(cause, notes)
		return
	}
	c.reconnectCount = attempt
	delay := c.params.reconnectDelay(attempt)
	log.WithFields(c.LogTags).Infof("Reconnect attempt %d in %s", attempt, delay)
	c.schedule(keyReconnect, delay, func(notes *common.Notifications) {
		if !c.wantConnected || c.state != NotConnected || c.closed {
			return
		}
		c.metrics.reconnectAttempted()
		c.startConnecting(notes)
	})
}

// disconnect local disconnect; no reconnect, every channel closed
//
// NOTE: caller must hold the lock
func (c *clientImpl) disconnect(cause error, notes *common.Notifications) {
	c.wantConnected = false
	c.timers.Cancel(keyReconnect)
	c.closeAllChannels(cause, notes)
	c.teardown(cause, notes)
}

// Disconnect close the connection without reconnecting. Every channel is closed.
func (c *clientImpl) Disconnect() error {
	c.locked(func(notes *common.Notifications) {
		log.WithFields(c.LogTags).Info("Disconnecting")
		c.disconnect(errDisconnected, notes)
	})
	return nil
}

// Close disconnect, and release every resource of the client
func (c *clientImpl) Close() error {
	alreadyClosed := false
	c.locked(func(notes *common.Notifications) {
		if c.closed {
			alreadyClosed = true
			return
		}
		c.disconnect(errClientClosed, notes)
		c.closed = true
	})
	if alreadyClosed {
		return nil
	}
	_ = c.timers.Stop()
	_ = c.loop.StopEventLoop()
	c.contextCancel()
	c.stateListeners.Release()
	c.authStateListeners.Release()
	c.errorListeners.Release()
	return nil
}

// ========================================================================================
// Frame IO

// send encode and send one frame on the current connection
//
// NOTE: caller must hold the lock
func (c *clientImpl) send(msg protocol.Message) error {
	if c.conn == nil {
		return protocol.NewLinkError(protocol.ErrorBadAction, "not connected")
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Send(payload); err != nil {
		return err
	}
	c.metrics.frameSent(msg.GetHeader().Type)
	if c.state == Connected {
		c.armKeepaliveSend()
	}
	return nil
}

// armKeepaliveSend (re)arm the outbound keepalive
//
// NOTE: caller must hold the lock
func (c *clientImpl) armKeepaliveSend() {
	c.schedule(keyKeepaliveSend, c.params.KeepaliveInterval, func(notes *common.Notifications) {
		if c.state != Connected {
			return
		}
		if err := c.send(protocol.NewKeepaliveMessage()); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to send KEEPALIVE")
		}
	})
}

// armLivenessDeadline (re)arm the inbound liveness deadline
//
// NOTE: caller must hold the lock
func (c *clientImpl) armLivenessDeadline() {
	deadline := c.params.KeepaliveTimeout
	if c.details.RemoteKeepaliveTimeout != nil && *c.details.RemoteKeepaliveTimeout > 0 {
		deadline = time.Second * time.Duration(*c.details.RemoteKeepaliveTimeout)
	}
	c.schedule(keyKeepaliveTimeout, deadline, func(notes *common.Notifications) {
		if c.state != Connected {
			return
		}
		c.connectionFailed(
			protocol.NewLinkError(protocol.ErrorTimeout, "nothing received within %s", deadline),
			notes,
		)
	})
}

func (c *clientImpl) processTransportFrame(param interface{}) error {
	task, ok := param.(transportFrameTask)
	if !ok {
		return fmt.Errorf("unexpected task %T", param)
	}
	c.locked(func(notes *common.Notifications) {
		if task.generation != c.generation {
			return
		}
		frame, err := protocol.DecodeFrame(task.payload)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Dropping undecodable frame")
			return
		}
		c.metrics.frameReceived(frame.Type)
		if c.state == Connected {
			c.armLivenessDeadline()
		}
		if frame.Channel == protocol.ControlChannel {
			c.handleControlFrame(frame, notes)
		} else {
			c.routeChannelFrame(frame, notes)
		}
	})
	return nil
}

// handleControlFrame process a channel 0 frame
//
// NOTE: caller must hold the lock
func (c *clientImpl) handleControlFrame(frame protocol.Frame, notes *common.Notifications) {
	switch frame.Type {
	case protocol.TypeSetup:
		var msg protocol.SetupMessage
		if err := frame.Decode(&msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Dropping SETUP")
			return
		}
		c.handleSetup(msg, notes)

	case protocol.TypeKeepalive:
		// Liveness is refreshed by every frame

	case protocol.TypeAuthState:
		var msg protocol.AuthStateMessage
		if err := frame.Decode(&msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Dropping AUTH_STATE")
			return
		}
		c.handleAuthState(msg.State, notes)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := frame.Decode(&msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Dropping ERROR")
			return
		}
		linkErr := msg.ToLinkError()
		if linkErr.Kind == protocol.ErrorUnauthorized {
			c.handleAuthState(protocol.AuthStateUnauthorized, notes)
			return
		}
		c.reportError(linkErr, notes)

	default:
		log.WithFields(c.LogTags).Warnf("Dropping unexpected %s on channel 0", frame.Type)
	}
}

// handleSetup process the server SETUP
//
// NOTE: caller must hold the lock
func (c *clientImpl) handleSetup(msg protocol.SetupMessage, notes *common.Notifications) {
	remoteProtocol, _ := protocol.SplitVersion(msg.Version)
	remoteVersion := msg.Version
	c.details.RemoteVersion = &remoteVersion
	if msg.KeepaliveTimeout != nil {
		timeout := *msg.KeepaliveTimeout
		c.details.RemoteKeepaliveTimeout = &timeout
	}
	if remoteProtocol != protocol.ProtocolVersion {
		c.reportError(
			protocol.NewLinkError(
				protocol.ErrorUnsupportedProtocol,
				"server speaks protocol %s, expected %s", remoteProtocol, protocol.ProtocolVersion,
			),
			notes,
		)
	}

	if c.state != Connecting {
		// Refreshed keepalive parameters
		if c.state == Connected {
			c.armLivenessDeadline()
		}
		return
	}

	c.timers.Cancel(keySetupTimeout)
	c.reconnectCount = 0
	c.setState(Connected, notes)
	c.metrics.connectionEstablished()
	log.WithFields(c.LogTags).Infof("Connected to %s (server %s)", c.url, msg.Version)
	c.connectWaiters.resolve(nil)
	c.armLivenessDeadline()
	c.armKeepaliveSend()

	if c.authToken != "" {
		c.sendAuth(notes)
	}
}

// ========================================================================================
// Authentication

// SetAuthToken set the auth token
func (c *clientImpl) SetAuthToken(token string) error {
	c.locked(func(notes *common.Notifications) {
		c.authToken = token
		if token != "" && c.state == Connected {
			c.sendAuth(notes)
		}
	})
	return nil
}

// sendAuth send the remembered token
//
// NOTE: caller must hold the lock
func (c *clientImpl) sendAuth(notes *common.Notifications) {
	if err := c.send(protocol.NewAuthMessage(c.authToken)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send AUTH")
		return
	}
	c.authAttempted = true
	c.authFailure = nil
	c.setAuthState(Authorizing, notes)
	c.schedule(keyAuthTimeout, c.params.ActionTimeout, func(notes *common.Notifications) {
		if c.authState != Authorizing {
			return
		}
		c.connectionFailed(
			protocol.NewLinkError(
				protocol.ErrorTimeout, "no AUTH_STATE received within %s", c.params.ActionTimeout,
			),
			notes,
		)
	})
}

// handleAuthState drive the auth state machine
//
// NOTE: caller must hold the lock
func (c *clientImpl) handleAuthState(state string, notes *common.Notifications) {
	switch state {
	case protocol.AuthStateAuthorized:
		c.timers.Cancel(keyAuthTimeout)
		c.authFailure = nil
		c.setAuthState(Authorized, notes)
		c.authWaiters.resolve(nil)
		c.resumeChannels(notes)

	case protocol.AuthStateAuthorizing:
		c.setAuthState(Authorizing, notes)

	case protocol.AuthStateUnauthorized:
		c.timers.Cancel(keyAuthTimeout)
		if c.authAttempted {
			log.WithFields(c.LogTags).Warn("Token rejected")
			c.authToken = ""
			c.authAttempted = false
			c.authFailure = protocol.NewLinkError(protocol.ErrorUnauthorized, "token rejected")
			c.authWaiters.resolve(c.authFailure)
		}
		c.setAuthState(Unauthorized, notes)
	}
}

// AwaitAuthorized wait for the link to become authorized
//
// Fails immediately when the last auth attempt failed and no new attempt started.
func (c *clientImpl) AwaitAuthorized(ctxt context.Context) error {
	c.lock.Lock()
	if c.authState == Authorized {
		c.lock.Unlock()
		return nil
	}
	if c.authFailure != nil && c.authState == Unauthorized {
		err := c.authFailure
		c.lock.Unlock()
		return err
	}
	if c.closed || (c.state == NotConnected && !c.wantConnected) {
		c.lock.Unlock()
		return errDisconnected
	}
	waiter := c.authWaiters.add()
	c.lock.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctxt.Done():
		c.lock.Lock()
		c.authWaiters.remove(waiter)
		c.lock.Unlock()
		return ctxt.Err()
	}
}

// ========================================================================================
// Channel multiplexing

// OpenChannel request a channel to a service
func (c *clientImpl) OpenChannel(
	service string, parameters map[string]interface{},
) (Channel, error) {
	var result *channelImpl
	var failure error
	c.locked(func(notes *common.Notifications) {
		if c.authState != Authorized {
			failure = protocol.NewLinkError(
				protocol.ErrorUnauthorized, "unable to open %s channel while %s", service, c.authState,
			)
			return
		}
		id := c.nextChannelID
		c.nextChannelID += 2
		result = newChannel(c, id, service, parameters)
		c.channels[id] = result
		if err := c.requestChannel(result, notes); err != nil {
			delete(c.channels, id)
			failure = err
			result = nil
		}
	})
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

// requestChannel send the open request of a channel, and arm its open timeout
//
// NOTE: caller must hold the lock
func (c *clientImpl) requestChannel(ch *channelImpl, notes *common.Notifications) error {
	request := protocol.NewChannelRequestMessage(ch.id, ch.service, ch.Parameters())
	if err := c.send(request); err != nil {
		log.WithError(err).WithFields(ch.LogTags).Error("Unable to send CHANNEL_REQUEST")
		return err
	}
	ch.awaitingRequest = false
	c.schedule(channelOpenKey(ch.id), c.params.ActionTimeout, func(notes *common.Notifications) {
		if ch.state != Requested || ch.awaitingRequest {
			return
		}
		c.closeChannel(
			ch,
			protocol.NewLinkError(
				protocol.ErrorTimeout, "%s channel %d not opened within %s",
				ch.service, ch.id, c.params.ActionTimeout,
			),
			true,
			notes,
		)
	})
	return nil
}

// sortedChannels the channels ordered by ID
//
// NOTE: caller must hold the lock
func (c *clientImpl) sortedChannels() []*channelImpl {
	result := make([]*channelImpl, 0, len(c.channels))
	for _, ch := range c.channels {
		result = append(result, ch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// suspendChannels move every channel back to Requested, to be requested again once the
// link is authorized
//
// NOTE: caller must hold the lock
func (c *clientImpl) suspendChannels(notes *common.Notifications) {
	for _, ch := range c.sortedChannels() {
		c.timers.Cancel(channelOpenKey(ch.id))
		ch.awaitingRequest = true
		if ch.state == Opened {
			c.metrics.channelLeftOpened()
		}
		ch.setState(Requested, notes)
	}
}

// resumeChannels request every suspended channel again
//
// NOTE: caller must hold the lock
func (c *clientImpl) resumeChannels(notes *common.Notifications) {
	for _, ch := range c.sortedChannels() {
		if !ch.awaitingRequest {
			continue
		}
		log.WithFields(ch.LogTags).Info("Requesting channel again")
		_ = c.requestChannel(ch, notes)
	}
}

// closeAllChannels close every channel locally
//
// NOTE: caller must hold the lock
func (c *clientImpl) closeAllChannels(cause error, notes *common.Notifications) {
	for _, ch := range c.sortedChannels() {
		c.closeChannel(ch, cause, false, notes)
	}
}

// routeChannelFrame deliver a frame to its channel
//
// NOTE: caller must hold the lock
func (c *clientImpl) routeChannelFrame(frame protocol.Frame, notes *common.Notifications) {
	ch, ok := c.channels[frame.Channel]
	if !ok {
		log.WithFields(c.LogTags).Debugf("Dropping %s for unknown channel %d", frame.Type, frame.Channel)
		return
	}
	switch frame.Type {
	case protocol.TypeChannelOpened:
		if ch.state != Requested || ch.awaitingRequest {
			return
		}
		c.timers.Cancel(channelOpenKey(ch.id))
		c.metrics.channelOpened()
		ch.setState(Opened, notes)
		ch.openWaiters.resolve(nil)

	case protocol.TypeChannelClosed:
		log.WithFields(ch.LogTags).Info("Channel closed by server")
		c.closeChannel(ch, nil, false, notes)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := frame.Decode(&msg); err != nil {
			log.WithError(err).WithFields(ch.LogTags).Error("Dropping ERROR")
			return
		}
		linkErr := msg.ToLinkError()
		if ch.state == Requested {
			// The server denied the channel
			c.closeChannel(ch, linkErr, false, notes)
			return
		}
		ch.reportError(linkErr, notes)

	default:
		ch.deliver(frame, notes)
	}
}

// closeChannel close a channel. A non-nil cause is reported to the channel error
// listeners, and to its open waiters.
//
// NOTE: caller must hold the lock
func (c *clientImpl) closeChannel(
	ch *channelImpl, cause error, sendCancel bool, notes *common.Notifications,
) {
	if ch.state == Closed {
		return
	}
	c.timers.Cancel(channelOpenKey(ch.id))
	delete(c.channels, ch.id)
	if sendCancel && c.state == Connected && !ch.awaitingRequest {
		if err := c.send(protocol.NewChannelCancelMessage(ch.id)); err != nil {
			log.WithError(err).WithFields(ch.LogTags).Error("Unable to send CHANNEL_CANCEL")
		}
	}
	if ch.state == Opened {
		c.metrics.channelLeftOpened()
	}
	if cause != nil {
		ch.reportError(cause, notes)
		ch.openWaiters.resolve(cause)
	} else {
		ch.openWaiters.resolve(
			protocol.NewLinkError(protocol.ErrorBadAction, "channel %d closed", ch.id),
		)
	}
	ch.closeCause = cause
	ch.setState(Closed, notes)
	ch.release()
}
