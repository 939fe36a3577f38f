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

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Nil(cfg.NATS)
		assert.Nil(cfg.Metrics)
		assert.Equal("AUTO", cfg.Feed.Contract)
		assert.Equal(0.01, cfg.Scheduler.BatchFraction)
	}

	// Case 2: optional sections
	{
		var cfg SystemConfig
		InstallNATSDefaultConfigValues()
		InstallMetricsDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.NATS)
		assert.Equal("linkfeed", cfg.NATS.SubjectPrefix)
		assert.NotNil(cfg.Metrics)
		assert.Equal(uint16(3000), cfg.Metrics.Port)
		assert.Equal("Linkfeed-Request-ID", cfg.Metrics.Logging.RequestIDHeader)
	}

	// Case 3: per event type field preferences
	{
		config := []byte(`---
feed:
  accept_event_fields:
    - event_type: Quote
      fields:
        - eventSymbol
        - bidPrice
        - askPrice`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Len(cfg.Feed.AcceptEventFields, 1)
		assert.Equal("Quote", cfg.Feed.AcceptEventFields[0].EventType)
		assert.Equal(
			[]string{"eventSymbol", "bidPrice", "askPrice"}, cfg.Feed.AcceptEventFields[0].Fields,
		)
	}

	// Case 4: invalid config
	{
		config := []byte(`---
feed:
  accept_event_fields:
    - event_type: Quote`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: invalid config
	{
		config := []byte(`---
feed:
  accept_data_format: JSON`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: invalid config
	{
		config := []byte(`---
link:
  keepalive:
    interval_sec: 30
    timeout_sec: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
