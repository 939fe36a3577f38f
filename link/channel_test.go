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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/linkfeed/protocol"
	"github.com/alwitt/linkfeed/testutil"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type testServiceMessage struct {
	protocol.Header
	Value string `json:"value"`
}

func TestChannelLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newClientFixture(t, testParams(), testutil.DefaultScript())
	defer uut.stop()
	conn := uut.connectAuthorized(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	// Case 1: open a channel
	params := map[string]interface{}{"contract": "TICKER"}
	feedChannel, err := uut.client.OpenChannel("FEED", params)
	assert.Nil(err)
	params["contract"] = "changed"
	assert.EqualValues(1, feedChannel.ID())
	assert.Equal("FEED", feedChannel.Service())
	assert.Equal("TICKER", feedChannel.Parameters()["contract"])
	request, err := conn.NextSentOfType(protocol.TypeChannelRequest, time.Second)
	assert.Nil(err)
	assert.EqualValues(1, request.Channel)
	var sentRequest protocol.ChannelRequestMessage
	assert.Nil(request.Decode(&sentRequest))
	assert.Equal("FEED", sentRequest.Service)
	assert.Equal("TICKER", sentRequest.Parameters["contract"])
	assert.Nil(feedChannel.AwaitOpened(utCtxt))
	assert.Equal(Opened, feedChannel.State())

	// Case 2: late state listener observes Opened
	states := make(chan ChannelState, 8)
	feedChannel.AddStateChangeListener(func(s ChannelState) { states <- s })
	assert.Equal(Opened, <-states)

	// Case 3: send on the channel
	assert.Nil(feedChannel.Send(&testServiceMessage{
		Header: protocol.Header{Type: "FEED_TEST"}, Value: "ping",
	}))
	sent, err := conn.NextSentOfType("FEED_TEST", time.Second)
	assert.Nil(err)
	assert.EqualValues(1, sent.Channel)

	// Case 4: service frames reach the message listener; unknown channels are dropped
	messages := make(chan protocol.Frame, 8)
	feedChannel.AddMessageListener(func(f protocol.Frame) { messages <- f })
	assert.Nil(conn.InjectRaw([]byte(`{"type":"FEED_TEST","channel":7,"value":"lost"}`)))
	assert.Nil(conn.InjectRaw([]byte(`{"type":"FEED_TEST","channel":1,"value":"pong"}`)))
	select {
	case frame := <-messages:
		var parsed testServiceMessage
		assert.Nil(frame.Decode(&parsed))
		assert.Equal("pong", parsed.Value)
	case <-utCtxt.Done():
		assert.Fail("message not delivered")
	}

	// Case 5: channel errors
	channelErrs := make(chan error, 4)
	feedChannel.AddErrorListener(func(err error) { channelErrs <- err })
	assert.Nil(conn.Inject(protocol.NewErrorMessage(1, protocol.ErrorInvalidMessage, "bad symbol")))
	select {
	case err := <-channelErrs:
		assert.True(errors.Is(err, protocol.ErrInvalid))
	case <-utCtxt.Done():
		assert.Fail("error not delivered")
	}
	assert.Equal(Opened, feedChannel.State())

	// Case 6: second channel uses the next odd ID; closed by the server
	otherChannel, err := uut.client.OpenChannel("DOM", nil)
	assert.Nil(err)
	assert.EqualValues(3, otherChannel.ID())
	assert.Nil(otherChannel.AwaitOpened(utCtxt))
	otherStates := make(chan ChannelState, 8)
	otherChannel.AddStateChangeListener(func(s ChannelState) { otherStates <- s })
	assert.Equal(Opened, <-otherStates)
	assert.Nil(conn.Inject(protocol.NewChannelClosedMessage(3)))
	assert.Equal(Closed, <-otherStates)
	assert.Len(conn.SentOfType(protocol.TypeChannelCancel), 0)

	// Case 7: local close
	assert.Nil(feedChannel.Close())
	assert.Equal(Closed, feedChannel.State())
	assert.Equal(Closed, <-states)
	cancelFrame, err := conn.NextSentOfType(protocol.TypeChannelCancel, time.Second)
	assert.Nil(err)
	assert.EqualValues(1, cancelFrame.Channel)
	err = feedChannel.Send(&testServiceMessage{Header: protocol.Header{Type: "FEED_TEST"}})
	assert.True(errors.Is(err, protocol.ErrBadAction))
	assert.NotNil(feedChannel.AwaitOpened(utCtxt))
	assert.Nil(feedChannel.Close())

	// Confirmation from the server is a no-op
	assert.Nil(conn.Inject(protocol.NewChannelClosedMessage(1)))

	// Listeners of a closed channel are released
	feedChannel.AddMessageListener(func(f protocol.Frame) { messages <- f })
	assert.Nil(conn.InjectRaw([]byte(`{"type":"FEED_TEST","channel":1,"value":"late"}`)))
	time.Sleep(time.Millisecond * 50)
	assert.Len(messages, 0)
	assert.Len(states, 0)
}

func TestChannelOpenFailures(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	script := testutil.DefaultScript()
	script.OpenChannels = false
	uut := newClientFixture(t, testParams(), script)
	defer uut.stop()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	// Case 0: opening before authorization
	{
		_, err := uut.client.OpenChannel("FEED", nil)
		assert.True(errors.Is(err, protocol.ErrUnauthorized))
	}

	conn := uut.connectAuthorized(t)

	// Case 1: open timeout
	{
		ch, err := uut.client.OpenChannel("FEED", nil)
		assert.Nil(err)
		errs := make(chan error, 4)
		ch.AddErrorListener(func(err error) { errs <- err })
		err = ch.AwaitOpened(utCtxt)
		assert.True(errors.Is(err, protocol.ErrTimeout))
		assert.Equal(Closed, ch.State())
		select {
		case err := <-errs:
			assert.True(errors.Is(err, protocol.ErrTimeout))
		case <-utCtxt.Done():
			assert.Fail("timeout not delivered")
		}
		// The connection is not affected
		assert.Equal(Connected, uut.client.State())
	}

	// Case 2: open denied
	{
		ch, err := uut.client.OpenChannel("FEED", nil)
		assert.Nil(err)
		assert.EqualValues(3, ch.ID())
		assert.Nil(conn.Inject(
			protocol.NewErrorMessage(ch.ID(), protocol.ErrorBadAction, "no such service"),
		))
		err = ch.AwaitOpened(utCtxt)
		assert.True(errors.Is(err, protocol.ErrBadAction))
		assert.Equal(Closed, ch.State())
		assert.Equal(Connected, uut.client.State())
	}
}

func TestClientReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	params := testParams()
	params.MaxReconnectAttempts = 0
	uut := newClientFixture(t, params, testutil.DefaultScript())
	defer uut.stop()
	conn := uut.connectAuthorized(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	ch, err := uut.client.OpenChannel("FEED", map[string]interface{}{"contract": "STREAM"})
	assert.Nil(err)
	assert.Nil(ch.AwaitOpened(utCtxt))
	states := make(chan ChannelState, 8)
	ch.AddStateChangeListener(func(s ChannelState) { states <- s })
	assert.Equal(Opened, <-states)

	connStates := make(chan ConnectionState, 256)
	uut.client.AddStateChangeListener(func(s ConnectionState) { connStates <- s })

	// Case 1: connection lost, then restored
	conn.Drop(fmt.Errorf("network down"))
	assert.Equal(NotConnected, <-connStates)
	assert.Equal(Requested, <-states)
	assert.Equal(Connecting, <-connStates)
	assert.Equal(Connected, <-connStates)

	newConn, err := uut.dialer.NextTransport(time.Second)
	assert.Nil(err)
	_, err = newConn.NextSentOfType(protocol.TypeSetup, time.Second)
	assert.Nil(err)
	_, err = newConn.NextSentOfType(protocol.TypeAuth, time.Second)
	assert.Nil(err)
	request, err := newConn.NextSentOfType(protocol.TypeChannelRequest, time.Second)
	assert.Nil(err)
	assert.EqualValues(1, request.Channel)
	var sentRequest protocol.ChannelRequestMessage
	assert.Nil(request.Decode(&sentRequest))
	assert.Equal("FEED", sentRequest.Service)
	assert.Equal("STREAM", sentRequest.Parameters["contract"])
	assert.Equal(Opened, <-states)
	assert.EqualValues(1, ch.ID())

	// Case 2: give up after repeated failures
	uut.dialer.FailNextDials(100)
	newConn.Drop(fmt.Errorf("network down"))
	assert.Equal(NotConnected, <-connStates)
	assert.Equal(Requested, <-states)
	assert.Equal(Connecting, <-connStates)
	assert.Equal(NotConnected, <-connStates)
	assert.Nil(uut.client.Disconnect())
	assert.Equal(Closed, <-states)
}

func TestClientReconnectGiveUp(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	params := testParams()
	params.MaxReconnectAttempts = 2
	uut := newClientFixture(t, params, testutil.DefaultScript())
	defer uut.stop()
	conn := uut.connectAuthorized(t)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	ch, err := uut.client.OpenChannel("FEED", nil)
	assert.Nil(err)
	assert.Nil(ch.AwaitOpened(utCtxt))

	uut.dialer.FailNextDials(100)
	conn.Drop(fmt.Errorf("network down"))

	assert.Eventually(func() bool { return ch.State() == Closed }, time.Second*2, time.Millisecond*10)
	assert.Equal(NotConnected, uut.client.State())
	assert.Equal(3, uut.dialer.DialCount())
	assert.NotNil(uut.client.AwaitAuthorized(utCtxt))
}
