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

package common

import "github.com/spf13/viper"

// ===============================================================================
// Link Connection Related Config

// LinkReconnectConfig defines reconnect parameters
type LinkReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (0 is unlimited, -1 disables
	// reconnecting)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the base duration between reconnect attempts in milliseconds.
	// The n-th attempt waits n * WaitInterval.
	WaitInterval int `mapstructure:"wait_interval_ms" json:"wait_interval_ms" validate:"gte=1"`
	// MaxWaitInterval caps the duration between reconnect attempts in milliseconds
	MaxWaitInterval int `mapstructure:"max_wait_interval_ms" json:"max_wait_interval_ms" validate:"gtefield=WaitInterval"`
}

// LinkKeepaliveConfig defines keepalive parameters
type LinkKeepaliveConfig struct {
	// Interval is the max duration between frames sent to the remote in seconds.
	// A KEEPALIVE is sent when no other frame went out within this interval.
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// Timeout is the local keepalive timeout in seconds, advertised to the remote and
	// used as the inbound liveness deadline until the remote announces its own
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gtefield=Interval"`
	// AcceptTimeout is the keepalive timeout in seconds the client will accept from
	// the remote
	AcceptTimeout int `mapstructure:"accept_timeout_sec" json:"accept_timeout_sec" validate:"gte=1"`
}

// LinkConfig defines parameters for connecting to the link protocol server
type LinkConfig struct {
	// URL is the server URL
	URL string `mapstructure:"url" json:"url" validate:"required,url"`
	// AuthToken is the optional auth token
	AuthToken string `mapstructure:"auth_token" json:"-"`
	// ActionTimeout is the max duration for handshake, auth, and channel open in seconds
	ActionTimeout int `mapstructure:"action_timeout_sec" json:"action_timeout_sec" validate:"gte=1"`
	// Keepalive defines keepalive parameters
	Keepalive LinkKeepaliveConfig `mapstructure:"keepalive" json:"keepalive" validate:"required"`
	// Reconnect defines reconnect parameters
	Reconnect LinkReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Scheduler Related Config

// SchedulerConfig defines the timer coalescing parameters
type SchedulerConfig struct {
	// BatchFraction is the fraction of a requested delay used as the coalescing window
	BatchFraction float64 `mapstructure:"batch_fraction" json:"batch_fraction" validate:"gt=0,lte=1"`
}

// ===============================================================================
// Feed Related Config

// FeedEventFieldsConfig defines the preferred ordered field list of one event type
type FeedEventFieldsConfig struct {
	// EventType is the event type name, i.e. Quote
	EventType string `mapstructure:"event_type" json:"event_type" validate:"required"`
	// Fields is the ordered list of fields
	Fields []string `mapstructure:"fields" json:"fields" validate:"required,min=1,dive,required"`
}

// FeedConfig defines the parameters of a market data feed channel
type FeedConfig struct {
	// Contract is the feed contract: TICKER, HISTORY, STREAM, or AUTO
	Contract string `mapstructure:"contract" json:"contract" validate:"required,oneof=TICKER HISTORY STREAM AUTO"`
	// BatchSubscriptionsTime is the subscription batching window in milliseconds
	BatchSubscriptionsTime int `mapstructure:"batch_subscriptions_ms" json:"batch_subscriptions_ms" validate:"gte=1"`
	// MaxSendSubscriptionChunkSize is the max estimated bytes of one subscription delta
	MaxSendSubscriptionChunkSize int `mapstructure:"max_subscription_chunk_size" json:"max_subscription_chunk_size" validate:"gte=64"`
	// AcceptAggregationPeriod is the preferred aggregation period in seconds
	AcceptAggregationPeriod float64 `mapstructure:"accept_aggregation_period_sec" json:"accept_aggregation_period_sec" validate:"gte=0"`
	// AcceptDataFormat is the preferred data format: FULL or COMPACT
	AcceptDataFormat string `mapstructure:"accept_data_format" json:"accept_data_format" validate:"required,oneof=FULL COMPACT"`
	// AcceptEventFields is the preferred ordered field list per event type
	AcceptEventFields []FeedEventFieldsConfig `mapstructure:"accept_event_fields" json:"accept_event_fields,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for republishing feed events into NATS JetStream
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// Stream is the JetStream stream capturing the republished events. It is created
	// if missing.
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// SubjectPrefix is prepended to the subject of every republished event
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// PublishTimeout is the max duration to wait for a publish ACK in milliseconds
	PublishTimeout int `mapstructure:"publish_timeout_ms" json:"publish_timeout_ms" validate:"gte=1"`
}

// ===============================================================================
// Metrics / Health Server Related Config

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// MetricsServerConfig defines the HTTP server exposing liveness, readiness, and metrics
type MetricsServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// Namespace is the prometheus metrics namespace
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"required"`
	// Logging defines request logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Link are the link connection config parameters
	Link LinkConfig `mapstructure:"link" json:"link" validate:"required"`
	// Scheduler are the timer coalescing parameters
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler" validate:"required"`
	// Feed are the feed channel parameters
	Feed FeedConfig `mapstructure:"feed" json:"feed" validate:"required"`
	// NATS are the optional NATS republishing parameters
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// Metrics are the optional metrics server parameters
	Metrics *MetricsServerConfig `mapstructure:"metrics,omitempty" json:"metrics,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default link settings
	viper.SetDefault("link.url", "ws://127.0.0.1:8080/link")
	viper.SetDefault("link.action_timeout_sec", 10)
	viper.SetDefault("link.keepalive.interval_sec", 30)
	viper.SetDefault("link.keepalive.timeout_sec", 60)
	viper.SetDefault("link.keepalive.accept_timeout_sec", 60)
	viper.SetDefault("link.reconnect.max_attempts", 0)
	viper.SetDefault("link.reconnect.wait_interval_ms", 1000)
	viper.SetDefault("link.reconnect.max_wait_interval_ms", 30000)

	// Default scheduler settings
	viper.SetDefault("scheduler.batch_fraction", 0.01)

	// Default feed settings
	viper.SetDefault("feed.contract", "AUTO")
	viper.SetDefault("feed.batch_subscriptions_ms", 100)
	viper.SetDefault("feed.max_subscription_chunk_size", 8192)
	viper.SetDefault("feed.accept_aggregation_period_sec", 0)
	viper.SetDefault("feed.accept_data_format", "COMPACT")
}

// InstallNATSDefaultConfigValues installs default NATS republishing parameters in viper.
//
// NATS republishing is only enabled when this is called, or the config file defines
// the "nats" section.
func InstallNATSDefaultConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.stream", "linkfeed")
	viper.SetDefault("nats.subject_prefix", "linkfeed")
	viper.SetDefault("nats.publish_timeout_ms", 2000)
}

// InstallMetricsDefaultConfigValues installs default metrics server parameters in viper
func InstallMetricsDefaultConfigValues() {
	viper.SetDefault("metrics.listen_on", "0.0.0.0")
	viper.SetDefault("metrics.listen_port", 3000)
	viper.SetDefault("metrics.namespace", "linkfeed")
	viper.SetDefault("metrics.logging_config.request_id_header", "Linkfeed-Request-ID")
	viper.SetDefault("metrics.logging_config.do_not_log_headers", []string{})
}
