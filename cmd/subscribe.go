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

// Package cmd implements the CLI subcommands.
package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/linkfeed/apis"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/core"
	"github.com/alwitt/linkfeed/feed"
	"github.com/alwitt/linkfeed/link"
	"github.com/alwitt/linkfeed/sink"
	"github.com/alwitt/linkfeed/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

// SubscribeCLIArgs arguments of the subscribe command
type SubscribeCLIArgs struct {
	// URL overrides the configured server URL
	URL string `validate:"omitempty,url"`
	// Token overrides the configured auth token
	Token string `json:"-"`
	// Symbols instruments to subscribe to
	Symbols []string `validate:"required,min=1,dive,required"`
	// Events event types to subscribe to
	Events []string `validate:"required,min=1,dive,required"`
}

// GetSubscribeCLIFlags retrieve the set of CMD flags for the subscribe command
func GetSubscribeCLIFlags(args *SubscribeCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "url",
			Usage:       "Link server URL. Overrides the config file.",
			Aliases:     []string{"u"},
			EnvVars:     []string{"LINK_URL"},
			Destination: &args.URL,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Auth token. Overrides the config file.",
			Aliases:     []string{"t"},
			EnvVars:     []string{"LINK_AUTH_TOKEN"},
			Destination: &args.Token,
			Required:    false,
		},
		&cli.StringSliceFlag{
			Name:     "symbol",
			Usage:    "Symbol to subscribe to. Repeat for more symbols.",
			Aliases:  []string{"s"},
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:        "event",
			Usage:       "Event type to subscribe to. Repeat for more event types.",
			Aliases:     []string{"e"},
			Value:       cli.NewStringSlice("Quote"),
			DefaultText: "Quote",
			Required:    false,
		},
	}
}

// ReadSubscribeCLIArgs complete args with the repeated flags
func ReadSubscribeCLIArgs(c *cli.Context, args *SubscribeCLIArgs) {
	args.Symbols = c.StringSlice("symbol")
	args.Events = c.StringSlice("event")
}

// subscriptionsOf every event type / symbol combination
func subscriptionsOf(args SubscribeCLIArgs) []feed.Subscription {
	result := make([]feed.Subscription, 0, len(args.Symbols)*len(args.Events))
	for _, eventType := range args.Events {
		for _, symbol := range args.Symbols {
			result = append(result, feed.NewSubscription(eventType, symbol))
		}
	}
	return result
}

// RunSubscribe connect, subscribe, and relay events to the sinks until the runtime
// context is canceled
func RunSubscribe(
	args SubscribeCLIArgs,
	config common.SystemConfig,
	instance string,
	version string,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "subscribe",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	url := config.Link.URL
	if args.URL != "" {
		url = args.URL
	}
	token := config.Link.AuthToken
	if args.Token != "" {
		token = args.Token
	}

	// -------------------------------------------------------------------
	// Metrics

	var registry *prometheus.Registry
	var metrics *link.Metrics
	if config.Metrics != nil {
		registry = prometheus.NewRegistry()
		var err error
		if metrics, err = link.NewMetrics(config.Metrics.Namespace, registry); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Link client

	clientParams := link.ClientParamsFromConfig(instance, version, config.Link, config.Scheduler)
	client, err := link.DefineClient(
		clientParams,
		transport.GetWebSocketDialer(transport.DefaultWebSocketConfig()),
		metrics,
		runTimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define link client")
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	client.AddStateChangeListener(func(state link.ConnectionState) {
		log.WithFields(logTags).Infof("Link is %s", state)
	})
	client.AddAuthStateChangeListener(func(state link.AuthState) {
		log.WithFields(logTags).Infof("Link is %s", state)
	})
	client.AddErrorListener(func(err error) {
		log.WithError(err).WithFields(logTags).Warn("Link error")
	})

	if token != "" {
		if err := client.SetAuthToken(token); err != nil {
			return err
		}
	}
	{
		ctxt, cancel := context.WithTimeout(runTimeContext, clientParams.ActionTimeout*2)
		defer cancel()
		if err := client.Connect(ctxt, url); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to connect to %s", url)
			return err
		}
		if err := client.AwaitAuthorized(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Link not authorized")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Feed

	feedParams, setup := feed.ParamsFromConfig(instance, config.Feed)
	source, err := feed.DefineFeed(client, feedParams)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open feed")
		return err
	}
	defer func() {
		_ = source.Close()
	}()
	if err := source.Configure(setup); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to configure feed")
		return err
	}
	source.AddConfigListener(func(cfg feed.Config) {
		log.WithFields(logTags).Infof(
			"Feed config: format %s, aggregation %.3fs", cfg.DataFormat, cfg.AggregationPeriod,
		)
	})
	source.AddErrorListener(func(err error) {
		log.WithError(err).WithFields(logTags).Warn("Feed error")
	})

	// -------------------------------------------------------------------
	// Sinks

	sinks := []sink.Sink{sink.GetLogSink(instance, log.InfoLevel)}
	if config.NATS != nil {
		natsClient, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(*config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer natsClient.Close(context.Background())
		if err := natsClient.EnsureStream(
			config.NATS.Stream, []string{config.NATS.SubjectPrefix + ".>"},
		); err != nil {
			return err
		}
		publishSink, err := sink.GetPublishSink(
			sink.GetJetStreamPublisher(natsClient, instance),
			config.NATS.SubjectPrefix,
			time.Millisecond*time.Duration(config.NATS.PublishTimeout),
			instance,
		)
		if err != nil {
			return err
		}
		sinks = append(sinks, publishSink)
	}
	forwarder, err := sink.GetForwarder(
		instance, sinks, clientParams.TaskBuffer, time.Second, runTimeContext, wg,
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = forwarder.Stop()
	}()
	forwarder.Attach(source)

	// -------------------------------------------------------------------
	// Health server

	if config.Metrics != nil {
		if err := RunHealthServer(
			*config.Metrics,
			instance,
			registry,
			[]apis.ReadyCheck{apis.LinkReadyCheck(client), apis.FeedReadyCheck(source)},
			runTimeContext,
			wg,
		); err != nil {
			return err
		}
	}

	// -------------------------------------------------------------------

	if err := source.AddSubscriptions(subscriptionsOf(args)...); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe")
		return err
	}
	log.WithFields(logTags).Infof(
		"Subscribed to %v of %v", args.Events, args.Symbols,
	)

	<-runTimeContext.Done()
	log.WithFields(logTags).Info("Shutting down")
	return nil
}
