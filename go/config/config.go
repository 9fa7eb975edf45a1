// Copyright 2025 The Trino Gateway Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway's settings from a config file,
// environment variables, and command-line flags (in that ascending
// order of precedence) into a plain Go struct.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/trinodb/trino-gateway/go/backendstate"
)

// RoutingRules holds the Rules Engine's on/off switch and file location.
type RoutingRules struct {
	RulesEngineEnabled bool   `mapstructure:"rulesEngineEnabled"`
	RulesConfigPath    string `mapstructure:"rulesConfigPath"`
}

// RequestRouter holds the gateway's own listening settings.
type RequestRouter struct {
	Port         int    `mapstructure:"port"`
	SSL          bool   `mapstructure:"ssl"`
	KeystorePath string `mapstructure:"keystorePath"`
	KeyPassword  string `mapstructure:"keyPassword"`
	ExternalURL  string `mapstructure:"externalUrl"`
}

// Monitor holds backend health-probe tuning.
type Monitor struct {
	ProbeIntervalSeconds int `mapstructure:"probeIntervalSeconds"`
	ProbeTimeoutMs       int `mapstructure:"probeTimeoutMs"`
}

// Routing holds query-id binding lifetime tuning.
type Routing struct {
	BindingTTLSeconds int `mapstructure:"bindingTtlSeconds"`
}

// Admin holds the separate, out-of-core-scope admin listening port.
type Admin struct {
	Port int `mapstructure:"port"`
}

// Log holds structured-logging output tuning.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Etcd holds the optional etcd-backed backend source's connection
// settings. Empty Endpoints means the initial backends[] list is the
// only source and no admin-mutation watch runs.
type Etcd struct {
	Endpoints []string `mapstructure:"endpoints"`
	Prefix    string   `mapstructure:"prefix"`
}

// Config is the gateway's complete settings tree.
type Config struct {
	RoutingRules  RoutingRules          `mapstructure:"routingRules"`
	RequestRouter RequestRouter         `mapstructure:"requestRouter"`
	Backends      []backendstate.Config `mapstructure:"backends"`
	Monitor       Monitor               `mapstructure:"monitor"`
	Routing       Routing               `mapstructure:"routing"`
	Admin         Admin                 `mapstructure:"admin"`
	Log           Log                   `mapstructure:"log"`
	Etcd          Etcd                  `mapstructure:"etcd"`
}

// setDefaults mirrors the default values named in the configuration-keys
// table: a 5s probe interval, a 1000ms probe timeout, and a 1-hour
// binding TTL, plus a conventional default listening port and log
// shape.
func setDefaults(v *viper.Viper) {
	v.SetDefault("requestRouter.port", 8080)
	v.SetDefault("requestRouter.ssl", false)
	v.SetDefault("routingRules.rulesEngineEnabled", false)
	v.SetDefault("monitor.probeIntervalSeconds", 5)
	v.SetDefault("monitor.probeTimeoutMs", 1000)
	v.SetDefault("routing.bindingTtlSeconds", 3600)
	v.SetDefault("admin.port", 8081)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("etcd.prefix", "/trino-gateway/backends/")
}

// RegisterFlags installs the command-line flags that override config
// file and environment values. Call before Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", "", "path to a YAML or JSON gateway configuration file")
	fs.Int("request-router-port", 0, "port the gateway listens on for Trino client traffic (overrides config)")
	fs.String("rules-config-path", "", "path to the routing rules YAML file (overrides config)")
	fs.Bool("rules-engine-enabled", false, "enable the rules engine routing group selector (overrides config)")
}

// Load builds a Config from, in ascending precedence: built-in
// defaults, an optional config file, environment variables prefixed
// TRINO_GATEWAY_, and any flags registered by RegisterFlags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRINO_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		if path, _ := fs.GetString("config-file"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
		if port, _ := fs.GetInt("request-router-port"); port != 0 {
			v.Set("requestRouter.port", port)
		}
		if path, _ := fs.GetString("rules-config-path"); path != "" {
			v.Set("routingRules.rulesConfigPath", path)
		}
		if fs.Changed("rules-engine-enabled") {
			enabled, _ := fs.GetBool("rules-engine-enabled")
			v.Set("routingRules.rulesEngineEnabled", enabled)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RoutingRules.RulesEngineEnabled && c.RoutingRules.RulesConfigPath == "" {
		return fmt.Errorf("config: routingRules.rulesConfigPath is required when routingRules.rulesEngineEnabled is true")
	}
	if len(c.Backends) == 0 && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("config: at least one of backends[] or etcd.endpoints must be set")
	}
	return nil
}
