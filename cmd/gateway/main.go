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

// Command gateway runs the Trino request router: it terminates client
// connections, assigns new statements to a coordinator, and pins
// follow-up requests to wherever the original statement landed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/trinodb/trino-gateway/go/backendstate"
	"github.com/trinodb/trino-gateway/go/config"
	"github.com/trinodb/trino-gateway/go/gatewayenv"
	"github.com/trinodb/trino-gateway/go/proxy"
	"github.com/trinodb/trino-gateway/go/queryhistory"
	"github.com/trinodb/trino-gateway/go/routinggroup"
	"github.com/trinodb/trino-gateway/go/routingmgr"
	"github.com/trinodb/trino-gateway/go/rules"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Layer-7 HTTP gateway that routes Trino client traffic across a coordinator fleet",
		RunE:  runGateway,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger := newLogger(cfg.Log)

	backends := backendstate.New(cfg.Backends, logger)

	probeInterval := time.Duration(cfg.Monitor.ProbeIntervalSeconds) * time.Second
	probeTimeout := time.Duration(cfg.Monitor.ProbeTimeoutMs) * time.Millisecond
	prober := backendstate.NewProber(backends, probeInterval, probeTimeout, logger)

	router := routingmgr.New(backends, time.Duration(cfg.Routing.BindingTTLSeconds)*time.Second, logger)

	selector, closeSelector, err := newSelector(cfg, logger)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	history := queryhistory.Sink(queryhistory.NewLoggingSink(logger))

	handler := proxy.NewHandler(selector, router, backends, history, cfg.RequestRouter.ExternalURL, logger)

	life := gatewayenv.New(gatewayenv.DefaultTimeouts, logger)
	life.PIDFile = os.Getenv("TRINO_GATEWAY_PIDFILE")
	if cfg.RequestRouter.SSL {
		tlsConfig, err := gatewayenv.LoadKeyPair(cfg.RequestRouter.KeystorePath)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		life.TLSConfig = tlsConfig
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	life.OnTerm(cancelRun)

	go prober.Run(runCtx)
	go router.RunSweeper(runCtx, time.Minute)

	var etcdClient *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("gateway: connect to etcd: %w", err)
		}
		source := backendstate.NewEtcdSource(etcdClient, cfg.Etcd.Prefix, backends, logger)
		go func() {
			if err := source.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("etcd backend source stopped", "error", err)
			}
		}()
	}

	life.OnClose(func() {
		if etcdClient != nil {
			etcdClient.Close()
		}
		if closeSelector != nil {
			closeSelector()
		}
	})

	publicAddr := fmt.Sprintf(":%d", cfg.RequestRouter.Port)
	internalAddr := fmt.Sprintf(":%d", cfg.Admin.Port)
	internalMux := newDebugMux(backends, router)

	return life.Run(publicAddr, handler, internalAddr, internalMux)
}

// newSelector builds the routing-group Selector the handler should
// use for new statements, wiring up a rules.Engine (with its file
// watch running) only when the rules engine is enabled.
func newSelector(cfg *config.Config, logger *slog.Logger) (routinggroup.Selector, func(), error) {
	if !cfg.RoutingRules.RulesEngineEnabled {
		return routinggroup.Header{}, nil, nil
	}

	engine, err := rules.NewEngine(afero.NewOsFs(), cfg.RoutingRules.RulesConfigPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load routing rules: %w", err)
	}
	if err := engine.Watch(); err != nil {
		logger.Warn("routing rules file watch failed to start, reloads disabled", "error", err)
	}

	selector := routinggroup.HeaderWithRulesFallback{Engine: engine}
	return selector, func() { engine.Close() }, nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// newDebugMux serves the internal admin port: a JSON status snapshot,
// and pprof for live profiling.
func newDebugMux(backends *backendstate.Manager, router *routingmgr.Manager) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"backends":      backends.All(),
			"boundQueryIds": router.BindingCount(),
		})
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}
