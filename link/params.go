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
	"time"

	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/scheduler"
	"github.com/go-playground/validator/v10"
)

// ClientParams parameters of a link Client
type ClientParams struct {
	// Name instance name, used in logs
	Name string `validate:"required"`
	// ClientVersion the local version announced in SETUP
	ClientVersion string `validate:"required"`
	// ActionTimeout max duration of the handshake, of authentication, and of opening a
	// channel
	ActionTimeout time.Duration `validate:"gt=0"`
	// KeepaliveInterval a KEEPALIVE is sent when nothing else was sent within this interval
	KeepaliveInterval time.Duration `validate:"gt=0"`
	// KeepaliveTimeout announced to the server. Also the inbound liveness deadline until
	// the server announces its own.
	KeepaliveTimeout time.Duration `validate:"gtefield=KeepaliveInterval"`
	// AcceptKeepaliveTimeout the keepalive timeout the client accepts from the server
	AcceptKeepaliveTimeout time.Duration `validate:"gt=0"`
	// MaxReconnectAttempts 0 is unlimited, -1 disables reconnecting
	MaxReconnectAttempts int `validate:"gte=-1"`
	// ReconnectWait the n-th reconnect attempt waits n * ReconnectWait
	ReconnectWait time.Duration `validate:"gt=0"`
	// MaxReconnectWait caps the wait between reconnect attempts
	MaxReconnectWait time.Duration `validate:"gtefield=ReconnectWait"`
	// SchedulerBatchFraction fraction of a delay used as the timer coalescing window
	SchedulerBatchFraction float64 `validate:"gt=0,lte=1"`
	// TaskBuffer size of the event loop queue
	TaskBuffer int `validate:"gte=1"`
}

// DefaultClientParams the default client parameters
func DefaultClientParams(name, clientVersion string) ClientParams {
	return ClientParams{
		Name:                   name,
		ClientVersion:          clientVersion,
		ActionTimeout:          time.Second * 10,
		KeepaliveInterval:      time.Second * 30,
		KeepaliveTimeout:       time.Second * 60,
		AcceptKeepaliveTimeout: time.Second * 60,
		MaxReconnectAttempts:   0,
		ReconnectWait:          time.Second,
		MaxReconnectWait:       time.Second * 30,
		SchedulerBatchFraction: scheduler.DefaultBatchFraction,
		TaskBuffer:             256,
	}
}

// ClientParamsFromConfig build the client parameters from the system config
func ClientParamsFromConfig(
	name, clientVersion string, link common.LinkConfig, sched common.SchedulerConfig,
) ClientParams {
	params := DefaultClientParams(name, clientVersion)
	params.ActionTimeout = time.Second * time.Duration(link.ActionTimeout)
	params.KeepaliveInterval = time.Second * time.Duration(link.Keepalive.Interval)
	params.KeepaliveTimeout = time.Second * time.Duration(link.Keepalive.Timeout)
	params.AcceptKeepaliveTimeout = time.Second * time.Duration(link.Keepalive.AcceptTimeout)
	params.MaxReconnectAttempts = link.Reconnect.MaxAttempts
	params.ReconnectWait = time.Millisecond * time.Duration(link.Reconnect.WaitInterval)
	params.MaxReconnectWait = time.Millisecond * time.Duration(link.Reconnect.MaxWaitInterval)
	params.SchedulerBatchFraction = sched.BatchFraction
	return params
}

// Validate check the parameters
func (p ClientParams) Validate() error {
	return validator.New().Struct(&p)
}

// reconnectDelay wait before the given reconnect attempt, starting from 1
func (p ClientParams) reconnectDelay(attempt int) time.Duration {
	delay := p.ReconnectWait * time.Duration(attempt)
	if delay > p.MaxReconnectWait {
		delay = p.MaxReconnectWait
	}
	return delay
}

// seconds convert a duration to whole seconds, rounding up
func seconds(d time.Duration) uint32 {
	return uint32((d + time.Second - 1) / time.Second)
}
