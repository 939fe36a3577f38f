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

package feed

import (
	"encoding/json"

	"github.com/alwitt/linkfeed/protocol"
)

// ServiceName the service a feed channel is opened to
const ServiceName = "FEED"

// Feed frame types
const (
	TypeFeedSetup        = "FEED_SETUP"
	TypeFeedConfig       = "FEED_CONFIG"
	TypeFeedSubscription = "FEED_SUBSCRIPTION"
	TypeFeedData         = "FEED_DATA"
)

// Contract the delivery contract of a feed
type Contract string

// Feed contracts
const (
	ContractTicker  Contract = "TICKER"
	ContractHistory Contract = "HISTORY"
	ContractStream  Contract = "STREAM"
	ContractAuto    Contract = "AUTO"
)

// DataFormat the FEED_DATA encoding
type DataFormat string

const (
	// DataFormatFull one object per event, carrying its eventType
	DataFormatFull DataFormat = "FULL"
	// DataFormatCompact per event type, one flat array of field values in the
	// announced field order
	DataFormatCompact DataFormat = "COMPACT"
)

// SetupMessage the client's preferences. The server may not honor them.
type SetupMessage struct {
	protocol.Header
	AcceptAggregationPeriod *float64            `json:"acceptAggregationPeriod,omitempty"`
	AcceptDataFormat        *DataFormat         `json:"acceptDataFormat,omitempty"`
	AcceptEventFields       map[string][]string `json:"acceptEventFields,omitempty"`
}

// ConfigMessage the parameters the server applies
type ConfigMessage struct {
	protocol.Header
	AggregationPeriod *float64            `json:"aggregationPeriod,omitempty"`
	DataFormat        *DataFormat         `json:"dataFormat,omitempty" validate:"omitempty,oneof=FULL COMPACT"`
	EventFields       map[string][]string `json:"eventFields,omitempty"`
}

// SubscriptionMessage one subscription delta
type SubscriptionMessage struct {
	protocol.Header
	Reset  *bool          `json:"reset,omitempty"`
	Add    []Subscription `json:"add,omitempty"`
	Remove []Subscription `json:"remove,omitempty"`
}

// DataMessage a batch of events
type DataMessage struct {
	protocol.Header
	Data json.RawMessage `json:"data" validate:"required"`
}

func newSetupMessage(setup Setup) *SetupMessage {
	return &SetupMessage{
		Header:                  protocol.Header{Type: TypeFeedSetup},
		AcceptAggregationPeriod: setup.AcceptAggregationPeriod,
		AcceptDataFormat:        setup.AcceptDataFormat,
		AcceptEventFields:       setup.AcceptEventFields,
	}
}

func newSubscriptionMessage() *SubscriptionMessage {
	return &SubscriptionMessage{Header: protocol.Header{Type: TypeFeedSubscription}}
}

// Setup the client's feed preferences
type Setup struct {
	// AcceptAggregationPeriod preferred aggregation period, in seconds
	AcceptAggregationPeriod *float64
	// AcceptDataFormat preferred FEED_DATA encoding
	AcceptDataFormat *DataFormat
	// AcceptEventFields preferred ordered fields per event type
	AcceptEventFields map[string][]string
}

// Config the feed parameters announced by the server
type Config struct {
	AggregationPeriod float64
	DataFormat        DataFormat
	// EventFields field order per event type. An announced type is replaced by later
	// announcements, never removed.
	EventFields map[string][]string
}

// merge apply a FEED_CONFIG
func (c Config) merge(msg ConfigMessage) Config {
	result := Config{
		AggregationPeriod: c.AggregationPeriod,
		DataFormat:        c.DataFormat,
		EventFields:       make(map[string][]string, len(c.EventFields)+len(msg.EventFields)),
	}
	if msg.AggregationPeriod != nil {
		result.AggregationPeriod = *msg.AggregationPeriod
	}
	if msg.DataFormat != nil {
		result.DataFormat = *msg.DataFormat
	}
	for eventType, fields := range c.EventFields {
		result.EventFields[eventType] = fields
	}
	for eventType, fields := range msg.EventFields {
		result.EventFields[eventType] = append([]string{}, fields...)
	}
	return result
}

// clone a copy of the config
func (c Config) clone() Config {
	return c.merge(ConfigMessage{})
}
