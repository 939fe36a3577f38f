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
	"bytes"
	"encoding/json"

	"github.com/alwitt/linkfeed/protocol"
)

// eventTypeField the field naming the event type of a FULL format event
const eventTypeField = "eventType"

// Event one decoded market event
type Event struct {
	// Type the event type, i.e. Quote
	Type string
	// Fields the event fields, excluding the event type
	Fields map[string]interface{}
}

// decodeData decode a FEED_DATA payload
//
// The encoding is recognized from the payload: FULL is a list of objects, COMPACT a list
// alternating event type names and flattened value arrays. Any malformed entry fails
// the whole batch.
func decodeData(data json.RawMessage, config Config) ([]Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, protocol.WrapLinkError(err, protocol.ErrorInvalidMessage, "FEED_DATA is not a list")
	}
	if len(items) == 0 {
		return nil, nil
	}
	first := bytes.TrimLeft(items[0], " \t\r\n")
	if len(first) == 0 {
		return nil, protocol.NewLinkError(protocol.ErrorInvalidMessage, "empty FEED_DATA entry")
	}
	switch first[0] {
	case '{':
		return decodeFull(items)
	case '"':
		return decodeCompact(items, config)
	default:
		return nil, protocol.NewLinkError(
			protocol.ErrorInvalidMessage, "unrecognized FEED_DATA encoding",
		)
	}
}

// decodeFull decode FULL format events
func decodeFull(items []json.RawMessage) ([]Event, error) {
	result := make([]Event, 0, len(items))
	for idx, item := range items {
		var fields map[string]interface{}
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, protocol.WrapLinkError(
				err, protocol.ErrorInvalidMessage, "FEED_DATA entry %d is not an object", idx,
			)
		}
		eventType, ok := fields[eventTypeField].(string)
		if !ok || eventType == "" {
			return nil, protocol.NewLinkError(
				protocol.ErrorInvalidMessage, "FEED_DATA entry %d has no %s", idx, eventTypeField,
			)
		}
		delete(fields, eventTypeField)
		result = append(result, Event{Type: eventType, Fields: fields})
	}
	return result, nil
}

// decodeCompact decode COMPACT format events using the announced field order
func decodeCompact(items []json.RawMessage, config Config) ([]Event, error) {
	if len(items)%2 != 0 {
		return nil, protocol.NewLinkError(
			protocol.ErrorInvalidMessage, "COMPACT FEED_DATA has %d entries, expected pairs", len(items),
		)
	}
	result := []Event{}
	for idx := 0; idx < len(items); idx += 2 {
		var eventType string
		if err := json.Unmarshal(items[idx], &eventType); err != nil {
			return nil, protocol.WrapLinkError(
				err, protocol.ErrorInvalidMessage, "COMPACT FEED_DATA entry %d is not an event type", idx,
			)
		}
		var values []interface{}
		if err := json.Unmarshal(items[idx+1], &values); err != nil {
			return nil, protocol.WrapLinkError(
				err, protocol.ErrorInvalidMessage, "COMPACT FEED_DATA values of %s are not a list", eventType,
			)
		}
		fields, ok := config.EventFields[eventType]
		if !ok || len(fields) == 0 {
			return nil, protocol.NewLinkError(
				protocol.ErrorInvalidMessage, "no field order announced for %s", eventType,
			)
		}
		if len(values)%len(fields) != 0 {
			return nil, protocol.NewLinkError(
				protocol.ErrorInvalidMessage,
				"%d values of %s do not match its %d fields", len(values), eventType, len(fields),
			)
		}
		for start := 0; start < len(values); start += len(fields) {
			event := Event{Type: eventType, Fields: make(map[string]interface{}, len(fields))}
			for offset, field := range fields {
				if field == eventTypeField {
					continue
				}
				event.Fields[field] = values[start+offset]
			}
			result = append(result, event)
		}
	}
	return result, nil
}
