// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config reads runtime settings from environment variables, in the
// teacher's getString/getBool/getDuration style, extended with the
// DELLA_* variables and CLI-flag overrides named in spec §6.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvSharedDir       = "DELLA_SHARED_DIR"
	EnvProxyPort       = "DELLA_PROXY_PORT"
	EnvLogLevel        = "DELLA_LOG_LEVEL"
	EnvVerbose         = "DELLA_VERBOSE"
	EnvResponseTimeout = "DELLA_RESPONSE_TIMEOUT"

	DefaultSharedDir       = "/tmp/shared"
	DefaultProxyPort       = 9025
	DefaultLogLevel        = "info"
	DefaultVerbose         = false
	DefaultResponseTimeout = 300 * time.Second
)

// SharedDir resolves the rendezvous directory from DELLA_SHARED_DIR,
// falling back to the platform default.
func SharedDir() string {
	return GetString(EnvSharedDir, DefaultSharedDir)
}

// ProxyPort resolves the proxy listen port from DELLA_PROXY_PORT, falling
// back to 9025.
func ProxyPort() int {
	return GetInt(EnvProxyPort, DefaultProxyPort)
}

// LogLevel resolves the zerolog level name from DELLA_LOG_LEVEL.
func LogLevel() string {
	return strings.ToLower(GetString(EnvLogLevel, DefaultLogLevel))
}

// Verbose resolves the default for the --verbose flag from DELLA_VERBOSE,
// so debug logging can be switched on for a deployment without editing its
// launch command.
func Verbose() bool {
	return GetBool(EnvVerbose, DefaultVerbose)
}

// ResponseTimeout resolves the proxy's PUBLISHED->RECEIVED deadline (spec
// §4.D) from DELLA_RESPONSE_TIMEOUT, falling back to 300s.
func ResponseTimeout() time.Duration {
	return GetDuration(EnvResponseTimeout, DefaultResponseTimeout)
}

// GetString reads key from the environment, returning fallback when unset
// or blank.
func GetString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// GetBool reads key as a bool, returning fallback on unset or unparsable
// values.
func GetBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetInt reads key as an int, returning fallback on unset or unparsable
// values.
func GetInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetDuration reads key as a time.Duration, returning fallback on unset or
// unparsable values.
func GetDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
