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
	"sort"
)

// Per-shape size estimates of one subscription entry, in bytes
const (
	plainSubscriptionSize = 48
	fromTimeExtraSize     = 16
	sourceExtraSize       = 16
)

// Subscription one requested event stream
//
// A plain subscription has neither FromTime nor Source. A time-series subscription
// sets FromTime. An indexed subscription sets Source.
type Subscription struct {
	// Type event type, i.e. Quote
	Type string `json:"type" validate:"required"`
	// Symbol instrument symbol
	Symbol string `json:"symbol" validate:"required"`
	// FromTime time-series start, in epoch milliseconds
	FromTime *int64 `json:"fromTime,omitempty"`
	// Source source of indexed events
	Source *string `json:"source,omitempty"`
}

// NewSubscription define a plain subscription
func NewSubscription(eventType, symbol string) Subscription {
	return Subscription{Type: eventType, Symbol: symbol}
}

// NewTimeSeriesSubscription define a time-series subscription
func NewTimeSeriesSubscription(eventType, symbol string, fromTime int64) Subscription {
	return Subscription{Type: eventType, Symbol: symbol, FromTime: &fromTime}
}

// NewIndexedSubscription define a source qualified subscription
func NewIndexedSubscription(eventType, symbol, source string) Subscription {
	return Subscription{Type: eventType, Symbol: symbol, Source: &source}
}

// Key the identity of the subscription. Subscriptions with the same key replace each
// other.
func (s Subscription) Key() string {
	if s.Source != nil {
		return s.Type + "#" + *s.Source + ":" + s.Symbol
	}
	return s.Type + ":" + s.Symbol
}

// estimatedSize approximate wire size of the entry
func (s Subscription) estimatedSize() int {
	size := plainSubscriptionSize
	if s.FromTime != nil {
		size += fromTimeExtraSize
	}
	if s.Source != nil {
		size += sourceExtraSize
	}
	return size
}

type subscriptionEntry struct {
	subscription Subscription
	sequence     uint64
}

// subscriptionSet subscriptions keyed by Key, iterated in insertion order
type subscriptionSet struct {
	entries  map[string]subscriptionEntry
	sequence uint64
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{entries: make(map[string]subscriptionEntry)}
}

// upsert insert or replace. A replaced entry keeps its position.
func (s *subscriptionSet) upsert(sub Subscription) {
	key := sub.Key()
	if existing, ok := s.entries[key]; ok {
		s.entries[key] = subscriptionEntry{subscription: sub, sequence: existing.sequence}
		return
	}
	s.sequence++
	s.entries[key] = subscriptionEntry{subscription: sub, sequence: s.sequence}
}

func (s *subscriptionSet) delete(key string) bool {
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *subscriptionSet) has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

func (s *subscriptionSet) len() int {
	return len(s.entries)
}

// list the subscriptions in insertion order
func (s *subscriptionSet) list() []Subscription {
	ordered := make([]subscriptionEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].sequence < ordered[j].sequence })
	result := make([]Subscription, 0, len(ordered))
	for _, entry := range ordered {
		result = append(result, entry.subscription)
	}
	return result
}

// drain remove and return every subscription, in insertion order
func (s *subscriptionSet) drain() []Subscription {
	result := s.list()
	s.entries = make(map[string]subscriptionEntry)
	return result
}
