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

package apis

import (
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linkfeed/common"
	"github.com/alwitt/linkfeed/feed"
	"github.com/alwitt/linkfeed/link"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck return an error describing why the process is not ready
type ReadyCheck func() error

// LinkReadyCheck ready when the link is connected and authorized
func LinkReadyCheck(client link.Client) ReadyCheck {
	return func() error {
		if state := client.State(); state != link.Connected {
			return fmt.Errorf("link is %s", state)
		}
		if auth := client.AuthState(); auth != link.Authorized {
			return fmt.Errorf("link is %s", auth)
		}
		return nil
	}
}

// FeedReadyCheck ready when the feed channel is opened
func FeedReadyCheck(source feed.Feed) ReadyCheck {
	return func() error {
		if state := source.State(); state != link.Opened {
			return fmt.Errorf("feed channel is %s", state)
		}
		return nil
	}
}

// DefaultRequestIDHeader request ID header used when the config names none
const DefaultRequestIDHeader = "Linkfeed-Request-ID"

// APIRestHealthHandler liveness and readiness handler
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	checks []ReadyCheck
}

// GetAPIRestHealthHandler define a new APIRestHealthHandler
func GetAPIRestHealthHandler(
	instance string, httpLogging common.HTTPRequestLogging, checks ...ReadyCheck,
) APIRestHealthHandler {
	logTags := log.Fields{"module": "apis", "component": "health", "instance": instance}
	requestIDHeader := httpLogging.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = DefaultRequestIDHeader
	}
	return APIRestHealthHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpLogging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		checks: checks,
	}
}

// Alive always succeeds while the process serves requests
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready succeeds when every ready check passes
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.checks {
		if err := check(); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Not ready")
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusServiceUnavailable, "not ready", err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// DefineRouter the router serving /alive, /ready, and, given a registry, /metrics
func DefineRouter(
	pathPrefix string, health APIRestHealthHandler, registry *prometheus.Registry,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": health.LoggingMiddleware(health.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": health.LoggingMiddleware(health.ReadyHandler()),
	})
	if registry != nil {
		metrics := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
			"get": health.LoggingMiddleware(metrics.ServeHTTP),
		})
	}

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(health, next)
	})
	return router
}
