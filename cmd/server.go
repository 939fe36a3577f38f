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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/linkfeed/apis"
	"github.com/alwitt/linkfeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunHealthServer serve the health and metrics endpoints until the runtime context
// is canceled
func RunHealthServer(
	config common.MetricsServerConfig,
	instance string,
	registry *prometheus.Registry,
	checks []apis.ReadyCheck,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "health-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid metrics server config")
		return err
	}

	router := apis.DefineRouter(
		"/", apis.GetAPIRestHealthHandler(instance, config.Logging, checks...), registry,
	)

	serverListen := fmt.Sprintf("%s:%d", config.ListenOn, config.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * 60,
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()
	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-runTimeContext.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}()
	return nil
}
