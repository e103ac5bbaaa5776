// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a zap logger from the log.level and log.style settings.
func newLogger() (*zap.Logger, error) {
	style := viper.GetString("log.style")
	if style == "noop" {
		return zap.NewNop(), nil
	}

	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var cfg zap.Config
	switch style {
	case "json":
		cfg = zap.NewProductionConfig()
	case "terminal":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log style %q", style)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
