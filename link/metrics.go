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
	"github.com/alwitt/linkfeed/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics prometheus metrics of a link Client
//
// A nil *Metrics is valid, and records nothing.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	connections       prometheus.Counter
	reconnectAttempts prometheus.Counter
	connectionErrors  *prometheus.CounterVec
	connected         prometheus.Gauge
	openChannels      prometheus.Gauge
}

// NewMetrics define and register the link metrics
func NewMetrics(namespace string, registry prometheus.Registerer) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	metrics := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to the server",
		}, []string{"type"}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Total frames received from the server",
		}, []string{"type"}),

		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connections_total",
			Help:      "Total completed handshakes",
		}),

		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts",
		}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connection_errors_total",
			Help:      "Total connection failures",
		}, []string{"kind"}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "Whether the link is connected (1) or not (0)",
		}),

		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "open_channels",
			Help:      "Number of channels in Opened state",
		}),
	}

	for _, collector := range []prometheus.Collector{
		metrics.framesSent,
		metrics.framesReceived,
		metrics.connections,
		metrics.reconnectAttempts,
		metrics.connectionErrors,
		metrics.connected,
		metrics.openChannels,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) frameSent(frameType string) {
	if m != nil {
		m.framesSent.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) frameReceived(frameType string) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) connectionEstablished() {
	if m != nil {
		m.connections.Inc()
		m.connected.Set(1)
	}
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.connected.Set(0)
	}
}

func (m *Metrics) connectionFailed(cause error) {
	if m != nil && cause != nil {
		m.connectionErrors.WithLabelValues(string(protocol.ErrorKindOf(cause))).Inc()
	}
}

func (m *Metrics) reconnectAttempted() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.openChannels.Inc()
	}
}

func (m *Metrics) channelLeftOpened() {
	if m != nil {
		m.openChannels.Dec()
	}
}
