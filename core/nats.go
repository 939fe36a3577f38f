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

// Package core holds the NATS JetStream connection used to republish feed events.
package core

import (
	"context"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int `validate:"gte=-1"`
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
}

// NATSConnectParamsFromConfig convert the NATS config section
func NATSConnectParamsFromConfig(cfg common.NATSConfig) NATSConnectParams {
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
	}
}

// NatsClient NATS connection with its JetStream context
type NatsClient struct {
	goutils.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close flush pending publishes, then close the connection
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// JetStream fetch the JetStream client
func (c NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// Connected whether the connection is currently up
func (c NatsClient) Connected() bool {
	return c.nc.IsConnected()
}

// EnsureStream create the stream capturing subjects, unless it already exists
func (c NatsClient) EnsureStream(stream string, subjects []string) error {
	if _, err := c.js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to query stream %s", stream)
		return err
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: subjects,
		Storage:  nats.MemoryStorage,
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to define stream %s", stream)
		return errors.Wrapf(err, "failed to define stream %s", stream)
	}
	log.WithFields(c.LogTags).Infof("Defined stream %s for %v", stream, subjects)
	return nil
}

// GetNatsClient connect to NATS and define the JetStream client
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS parameters")
		return nil, err
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("Reconnected with NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("NATS connection closed")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define JetStream client")
		nc.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created JetStream client")

	return &NatsClient{
		Component: goutils.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, nil
}
