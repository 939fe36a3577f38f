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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/linkfeed/protocol"
	"github.com/alwitt/linkfeed/testutil"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMetrics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: no registry, no metrics
	{
		metrics, err := NewMetrics("ut", nil)
		assert.Nil(err)
		assert.Nil(metrics)
		metrics.frameSent(protocol.TypeSetup)
	}

	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics("ut", registry)
	require.Nil(t, err)
	_, err = NewMetrics("ut", registry)
	assert.NotNil(err)

	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	dialer := testutil.NewScriptedDialer(testutil.DefaultScript())
	client, err := DefineClient(testParams(), dialer, metrics, ctxt, wg)
	require.Nil(t, err)
	uut := clientFixture{client: client, dialer: dialer, wg: wg, cancel: cancel}
	defer uut.stop()

	// Case 1: connected
	_ = uut.connectAuthorized(t)
	assert.Equal(1.0, promtest.ToFloat64(metrics.connected))
	assert.Equal(1.0, promtest.ToFloat64(metrics.connections))
	assert.GreaterOrEqual(promtest.ToFloat64(metrics.framesSent.WithLabelValues(protocol.TypeSetup)), 1.0)
	assert.GreaterOrEqual(
		promtest.ToFloat64(metrics.framesReceived.WithLabelValues(protocol.TypeAuthState)), 1.0,
	)

	// Case 2: open channel
	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second)
	defer utCancel()
	ch, err := uut.client.OpenChannel("ECHO", nil)
	assert.Nil(err)
	assert.Nil(ch.AwaitOpened(utCtxt))
	assert.Equal(1.0, promtest.ToFloat64(metrics.openChannels))

	// Case 3: disconnect is not a connection error
	assert.Nil(uut.client.Disconnect())
	assert.Equal(0.0, promtest.ToFloat64(metrics.connected))
	assert.Equal(0.0, promtest.ToFloat64(metrics.openChannels))
	assert.Equal(
		0.0, promtest.ToFloat64(metrics.connectionErrors.WithLabelValues(string(protocol.ErrorUnknown))),
	)

	connectCtxt, connectCancel := context.WithTimeout(context.Background(), time.Second*2)
	defer connectCancel()

	// Case 4: dial failure
	uut.dialer.FailNextDials(1)
	assert.NotNil(uut.client.Connect(connectCtxt, testURL))
	assert.Equal(
		1.0, promtest.ToFloat64(metrics.connectionErrors.WithLabelValues(string(protocol.ErrorUnknown))),
	)
	assert.Equal(0.0, promtest.ToFloat64(metrics.connected))

	// Case 5: handshake timeout
	script := testutil.DefaultScript()
	script.ReplySetup = false
	uut.dialer.SetScript(script)
	assert.NotNil(uut.client.Connect(connectCtxt, testURL))
	assert.Equal(
		1.0, promtest.ToFloat64(metrics.connectionErrors.WithLabelValues(string(protocol.ErrorTimeout))),
	)
	assert.Equal(1.0, promtest.ToFloat64(metrics.connections))
}
