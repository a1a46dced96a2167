// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package launcher spawns the user-supplied program with its proxy
// environment set, owns the intercepting proxy's lifecycle around that
// child process, and propagates the child's exit code (spec §4.F).
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/professorwug/della-wonders/internal/proxy"
	"github.com/professorwug/della-wonders/internal/proxyca"
)

// Config captures the launcher's runtime knobs.
type Config struct {
	SharedDir               string
	ProxyPort               int
	GracefulShutdownTimeout time.Duration
}

// Result carries the outcome of Run, mirroring the exit-code contract in
// spec §6: child exit code on success, 2 on proxy startup failure, 127 for
// a missing program.
type Result struct {
	ExitCode int
}

const (
	exitProxyStartupFailure = 2
	exitProgramNotFound     = 127
)

// Run starts the intercepting proxy, spawns program with the proxy
// environment set, waits for it to exit, tears the proxy down, and reports
// the child's exit code.
func Run(ctx context.Context, cfg Config, p *proxy.Proxy, authority *proxyca.Authority, program string, args []string, logger zerolog.Logger) Result {
	event := logger.With().Str("component", "launcher").Logger()

	proxyErr := make(chan error, 1)
	go func() {
		proxyErr <- p.ListenAndServe()
	}()

	select {
	case err := <-proxyErr:
		event.Error().Err(err).Msg("proxy failed to start")
		return Result{ExitCode: exitProxyStartupFailure}
	case <-time.After(100 * time.Millisecond):
		// Proxy accepted its listener without an immediate error; proceed.
	}

	trustDir := filepath.Join(cfg.SharedDir, "ca")
	caCertPath := filepath.Join(trustDir, "ca.pem")
	if err := os.MkdirAll(trustDir, 0o755); err != nil {
		event.Error().Err(err).Msg("failed to prepare trust-store directory")
		return Result{ExitCode: exitProxyStartupFailure}
	}
	if err := os.WriteFile(caCertPath, authority.CertPEM(), 0o644); err != nil {
		event.Error().Err(err).Msg("failed to write proxy CA certificate")
		return Result{ExitCode: exitProxyStartupFailure}
	}

	proxyURL := fmt.Sprintf("http://%s", fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort))

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"HTTP_PROXY="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"http_proxy="+proxyURL,
		"https_proxy="+proxyURL,
		"SSL_CERT_FILE="+caCertPath,
		"REQUESTS_CA_BUNDLE="+caCertPath,
		"NODE_EXTRA_CA_CERTS="+caCertPath,
	)

	if err := cmd.Start(); err != nil {
		event.Error().Err(err).Str("program", program).Msg("failed to start child program")
		shutdownProxy(p, cfg.GracefulShutdownTimeout)
		if isNotFound(err) {
			return Result{ExitCode: exitProgramNotFound}
		}
		return Result{ExitCode: exitProxyStartupFailure}
	}

	childDone := make(chan error, 1)
	go func() {
		childDone <- cmd.Wait()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var childErr error
	select {
	case childErr = <-childDone:
	case <-stop:
		event.Info().Msg("received shutdown signal; terminating child")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case childErr = <-childDone:
		case <-time.After(cfg.GracefulShutdownTimeout):
			_ = cmd.Process.Kill()
			childErr = <-childDone
		}
	}

	shutdownProxy(p, cfg.GracefulShutdownTimeout)

	return Result{ExitCode: exitCodeFor(childErr)}
}

func shutdownProxy(p *proxy.Proxy, grace time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func isNotFound(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, exec.ErrNotFound)
}
