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

// Package gatewayenv is the gateway's process lifecycle: it starts the
// public listener and a separate internal debug/admin listener, waits
// for SIGTERM/SIGINT, runs a lameduck period, fires shutdown hooks, and
// exits.
package gatewayenv

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// TimeoutFlags controls how long shutdown is allowed to take.
type TimeoutFlags struct {
	LameduckPeriod time.Duration
	OnTermTimeout  time.Duration
	OnCloseTimeout time.Duration
}

// DefaultTimeouts matches what a small, single-purpose gateway needs:
// a short lameduck window and generous hook budgets.
var DefaultTimeouts = TimeoutFlags{
	LameduckPeriod: 2 * time.Second,
	OnTermTimeout:  10 * time.Second,
	OnCloseTimeout: 10 * time.Second,
}

// Lifecycle owns the process's startup/shutdown hooks and the two
// listeners the gateway exposes: the public request port and an
// internal debug/admin port (status, pprof).
type Lifecycle struct {
	Timeouts TimeoutFlags
	PIDFile  string

	// TLSConfig, when set, is used for the public listener only; the
	// internal debug/admin listener is always plain HTTP since it is
	// never meant to be reachable from outside the host.
	TLSConfig *tls.Config

	onTermHooks     hooks
	onTermSyncHooks hooks
	onCloseHooks    hooks

	logger *slog.Logger
}

// LoadKeyPair reads a PEM-encoded certificate and private key out of a
// single file (cert and key blocks concatenated) and returns a
// *tls.Config ready for Lifecycle.TLSConfig. Password-protected private
// keys are not supported: the standard library dropped PEM decryption
// support, and no PEM/PKCS#8 decryption library appears anywhere in the
// surrounding dependency set, so keyPassword is accepted by
// configuration for forward compatibility but currently ignored.
func LoadKeyPair(path string) (*tls.Config, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gatewayenv: read keystore %s: %w", path, err)
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, fmt.Errorf("gatewayenv: parse keystore %s: %w", path, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// New creates a Lifecycle with the given timeouts and logger.
func New(timeouts TimeoutFlags, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		Timeouts: timeouts,
		logger:   logger.With("component", "lifecycle"),
	}
}

// OnTerm registers a function run (in parallel, best-effort) when the
// process receives SIGTERM/SIGINT, before the lameduck sleep.
func (l *Lifecycle) OnTerm(f func()) { l.onTermHooks.add(f) }

// OnTermSync registers a function the process waits for (up to
// OnTermTimeout) before entering the lameduck sleep.
func (l *Lifecycle) OnTermSync(f func()) { l.onTermSyncHooks.add(f) }

// OnClose registers a function run (in parallel, up to OnCloseTimeout)
// right before the process exits, after both listeners have stopped.
func (l *Lifecycle) OnClose(f func()) { l.onCloseHooks.add(f) }

// Run starts the public handler on publicAddr and the internal
// debug/admin mux on internalAddr, and blocks until SIGTERM/SIGINT is
// received. It then runs the shutdown sequence: OnTerm hooks fire,
// OnTermSync hooks are awaited, a lameduck sleep tops off the
// configured period, both listeners are closed, and OnClose hooks
// fire before Run returns.
func (l *Lifecycle) Run(publicAddr string, publicHandler http.Handler, internalAddr string, internalHandler http.Handler) error {
	if err := l.writePIDFile(); err != nil {
		return err
	}
	defer l.removePIDFile()

	publicSrv := &http.Server{Addr: publicAddr, Handler: publicHandler}
	internalSrv := &http.Server{Addr: internalAddr, Handler: internalHandler}

	publicLn, err := net.Listen("tcp", publicAddr)
	if err != nil {
		return fmt.Errorf("gatewayenv: listen on public address %s: %w", publicAddr, err)
	}
	if l.TLSConfig != nil {
		publicLn = tls.NewListener(publicLn, l.TLSConfig)
	}
	internalLn, err := net.Listen("tcp", internalAddr)
	if err != nil {
		return fmt.Errorf("gatewayenv: listen on internal address %s: %w", internalAddr, err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- publicSrv.Serve(publicLn) }()
	go func() { errCh <- internalSrv.Serve(internalLn) }()

	l.logger.Info("gateway started", "public_addr", publicAddr, "internal_addr", internalAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		l.logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			l.logger.Error("listener failed, shutting down", "error", err)
		}
	}

	return l.shutdown(publicSrv, internalSrv)
}

func (l *Lifecycle) shutdown(servers ...*http.Server) error {
	start := time.Now()

	l.logger.Info("entering lameduck period", "period", l.Timeouts.LameduckPeriod)
	go l.onTermHooks.fire()

	if !fireWithTimeout(l.Timeouts.OnTermTimeout, l.onTermSyncHooks.fire) {
		l.logger.Warn("onTermSync hooks did not finish before timeout", "timeout", l.Timeouts.OnTermTimeout)
	}

	if remain := l.Timeouts.LameduckPeriod - time.Since(start); remain > 0 {
		time.Sleep(remain)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			l.logger.Warn("server shutdown did not complete cleanly", "addr", srv.Addr, "error", err)
		}
	}

	l.logger.Info("shutting down")
	if !fireWithTimeout(l.Timeouts.OnCloseTimeout, l.onCloseHooks.fire) {
		l.logger.Warn("onClose hooks did not finish before timeout", "timeout", l.Timeouts.OnCloseTimeout)
	}
	return nil
}

func fireWithTimeout(timeout time.Duration, fire func()) bool {
	done := make(chan struct{})
	go func() {
		fire()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *Lifecycle) writePIDFile() error {
	if l.PIDFile == "" {
		return nil
	}
	file, err := os.OpenFile(l.PIDFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return fmt.Errorf("gatewayenv: create pid file %s: %w", l.PIDFile, err)
	}
	defer file.Close()
	_, err = fmt.Fprintln(file, os.Getpid())
	return err
}

func (l *Lifecycle) removePIDFile() {
	if l.PIDFile == "" {
		return
	}
	if err := os.Remove(l.PIDFile); err != nil {
		l.logger.Warn("failed to remove pid file", "path", l.PIDFile, "error", err)
	}
}
