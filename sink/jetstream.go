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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/core"
	"github.com/alwitt/linkfeed/feed"
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Publisher publish a message on a subject, and wait for it to be stored
type Publisher interface {
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// jetStreamPublisherImpl implements Publisher
type jetStreamPublisherImpl struct {
	goutils.Component
	nats *core.NatsClient
}

// GetJetStreamPublisher get new JetStream Publisher
func GetJetStreamPublisher(natsClient *core.NatsClient, instance string) Publisher {
	logTags := log.Fields{
		"module": "sink", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: goutils.Component{LogTags: logTags}, nats: natsClient,
	}
}

// Publish publishes a new message into JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	localLogTags := s.GetLogTagsForContext(ctxt)
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}

// ========================================================================================

// publishSink republishes every event as one message
type publishSink struct {
	goutils.Component
	publisher      Publisher
	subjectPrefix  string
	publishTimeout time.Duration
}

// GetPublishSink define a sink republishing each event on
// "<subjectPrefix>.<eventType>.<eventSymbol>"
func GetPublishSink(
	publisher Publisher, subjectPrefix string, publishTimeout time.Duration, instance string,
) (Sink, error) {
	logTags := log.Fields{"module": "sink", "component": "publish", "instance": instance}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, " \t*>") {
		err := fmt.Errorf("invalid subject prefix '%s'", subjectPrefix)
		log.WithError(err).WithFields(logTags).Error("Unable to define sink")
		return nil, err
	}
	return &publishSink{
		Component:      goutils.Component{LogTags: logTags},
		publisher:      publisher,
		subjectPrefix:  subjectPrefix,
		publishTimeout: publishTimeout,
	}, nil
}

// subjectToken make a value usable as one subject token
func subjectToken(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, value)
}

// EventSubject the subject an event is republished on
func EventSubject(prefix string, event feed.Event) string {
	symbol, _ := event.Fields["eventSymbol"].(string)
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(event.Type), subjectToken(symbol))
}

// encodeEvent the republished form of an event: its fields plus eventType
func encodeEvent(event feed.Event) ([]byte, error) {
	body := make(map[string]interface{}, len(event.Fields)+1)
	for field, value := range event.Fields {
		body[field] = value
	}
	body["eventType"] = event.Type
	return json.Marshal(body)
}

func (s *publishSink) Consume(ctxt context.Context, events []feed.Event) error {
	var failure error
	for _, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			failure = errors.Wrapf(err, "failed to encode %s", event.Type)
			continue
		}
		subject := EventSubject(s.subjectPrefix, event)
		pubCtxt, cancel := context.WithTimeout(ctxt, s.publishTimeout)
		err = s.publisher.Publish(pubCtxt, subject, payload)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to republish on %s", subject)
			failure = errors.Wrapf(err, "failed to publish on %s", subject)
		}
	}
	return failure
}
