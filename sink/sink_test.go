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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/linkfeed/core"
	"github.com/alwitt/linkfeed/feed"
	"github.com/apex/log"
	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishRecord struct {
	subject string
	payload string
}

type recordingPublisher struct {
	lock      sync.Mutex
	published []publishRecord
	failOn    string
}

func (p *recordingPublisher) Publish(ctxt context.Context, subject string, msg []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if subject == p.failOn {
		return fmt.Errorf("publish to %s refused", subject)
	}
	if _, ok := ctxt.Deadline(); !ok {
		return fmt.Errorf("publish without deadline")
	}
	p.published = append(p.published, publishRecord{subject: subject, payload: string(msg)})
	return nil
}

func TestPublishSink(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &recordingPublisher{}
	uut, err := GetPublishSink(publisher, "linkfeed", time.Second, "ut-publish")
	assert.Nil(err)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Case 1: events are published on per type and symbol subjects
	events := []feed.Event{
		{Type: "Quote", Fields: map[string]interface{}{"eventSymbol": "AAPL", "bidPrice": 1.5}},
		{Type: "Trade", Fields: map[string]interface{}{"eventSymbol": "BRK.A", "price": 2.0}},
	}
	assert.Nil(uut.Consume(utCtxt, events))
	assert.Len(publisher.published, 2)
	assert.Equal("linkfeed.Quote.AAPL", publisher.published[0].subject)
	assert.JSONEq(
		`{"eventType":"Quote","eventSymbol":"AAPL","bidPrice":1.5}`, publisher.published[0].payload,
	)
	assert.Equal("linkfeed.Trade.BRK_A", publisher.published[1].subject)

	// Case 2: one failure does not stop the batch
	publisher.failOn = "linkfeed.Quote.AAPL"
	assert.NotNil(uut.Consume(utCtxt, events))
	assert.Len(publisher.published, 3)

	// Case 3: event without symbol
	publisher.failOn = ""
	assert.Nil(uut.Consume(utCtxt, []feed.Event{{Type: "Profile", Fields: map[string]interface{}{}}}))
	assert.Equal("linkfeed.Profile._", publisher.published[3].subject)

	// Case 4: invalid prefix
	_, err = GetPublishSink(publisher, "linkfeed.>", time.Second, "ut-publish")
	assert.NotNil(err)
	_, err = GetPublishSink(publisher, "", time.Second, "ut-publish")
	assert.NotNil(err)
}

func TestForwarder(t *testing.T) {
	defer leaktest.Check(t)()
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()

	received := make(chan []feed.Event, 4)
	failing := SinkFunc(func(_ context.Context, _ []feed.Event) error {
		return fmt.Errorf("sink down")
	})
	recording := SinkFunc(func(_ context.Context, events []feed.Event) error {
		received <- events
		return nil
	})

	uut, err := GetForwarder(
		"ut-forwarder",
		[]Sink{failing, GetLogSink("ut-log", log.DebugLevel), recording},
		4,
		time.Millisecond*100,
		utCtxt,
		&wg,
	)
	assert.Nil(err)

	// Case 1: batches reach every sink, in order
	assert.Nil(uut.Forward([]feed.Event{{Type: "Quote", Fields: map[string]interface{}{"eventSymbol": "AAPL"}}}))
	assert.Nil(uut.Forward([]feed.Event{{Type: "Trade", Fields: map[string]interface{}{"eventSymbol": "AAPL"}}}))
	select {
	case batch := <-received:
		assert.Equal("Quote", batch[0].Type)
	case <-time.After(time.Second):
		assert.Fail("no batch forwarded")
	}
	select {
	case batch := <-received:
		assert.Equal("Trade", batch[0].Type)
	case <-time.After(time.Second):
		assert.Fail("no batch forwarded")
	}

	// Case 2: stopped forwarder refuses batches
	assert.Nil(uut.Stop())
	assert.NotNil(uut.Forward([]feed.Event{{Type: "Quote"}}))
}

func TestJetStreamSink(t *testing.T) {
	natsURI := os.Getenv("UNIT_TEST_NATS_URI")
	if natsURI == "" {
		t.Skip("UNIT_TEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	require.Nil(t, err)
	defer natsClient.Close(utCtxt)

	prefix := fmt.Sprintf("ut.%s", uuid.New().String())
	stream := uuid.New().String()
	assert.Nil(natsClient.EnsureStream(stream, []string{prefix + ".>"}))
	// Already defined
	assert.Nil(natsClient.EnsureStream(stream, []string{prefix + ".>"}))
	defer func() {
		assert.Nil(natsClient.JetStream().DeleteStream(stream))
	}()

	uut, err := GetPublishSink(
		GetJetStreamPublisher(natsClient, "ut-js"), prefix, time.Second, "ut-js-sink",
	)
	require.Nil(t, err)

	assert.Nil(uut.Consume(utCtxt, []feed.Event{
		{Type: "Quote", Fields: map[string]interface{}{"eventSymbol": "AAPL", "bidPrice": 1.5}},
	}))

	sub, err := natsClient.JetStream().SubscribeSync(prefix+".Quote.AAPL", nats.DeliverAll())
	require.Nil(t, err)
	defer func() {
		_ = sub.Unsubscribe()
	}()
	msg, err := sub.NextMsg(time.Second * 2)
	assert.Nil(err)
	assert.JSONEq(`{"eventType":"Quote","eventSymbol":"AAPL","bidPrice":1.5}`, string(msg.Data))
}
