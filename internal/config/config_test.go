// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"testing"
	"time"
)

func TestGetBool(t *testing.T) {
	cases := []struct {
		name     string
		env      string
		fallback bool
		want     bool
	}{
		{"unset falls back", "", false, false},
		{"true parses", "true", false, true},
		{"false parses", "false", true, false},
		{"garbage falls back", "not-a-bool", true, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.env != "" {
				t.Setenv("DELLA_TEST_BOOL", c.env)
			}
			if got := GetBool("DELLA_TEST_BOOL", c.fallback); got != c.want {
				t.Errorf("GetBool(%q, %v) = %v, want %v", c.env, c.fallback, got, c.want)
			}
		})
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("DELLA_TEST_DURATION", "45s")
	if got := GetDuration("DELLA_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("GetDuration = %v, want 45s", got)
	}

	if got := GetDuration("DELLA_TEST_DURATION_UNSET", 2*time.Minute); got != 2*time.Minute {
		t.Errorf("GetDuration fallback = %v, want 2m", got)
	}
}

func TestVerboseReadsEnv(t *testing.T) {
	t.Setenv(EnvVerbose, "true")
	if !Verbose() {
		t.Fatal("expected Verbose() to read DELLA_VERBOSE=true")
	}
}

func TestResponseTimeoutReadsEnv(t *testing.T) {
	t.Setenv(EnvResponseTimeout, "90s")
	if got := ResponseTimeout(); got != 90*time.Second {
		t.Fatalf("expected ResponseTimeout() = 90s, got %s", got)
	}
}

func TestResponseTimeoutDefaultsWhenUnset(t *testing.T) {
	if got := ResponseTimeout(); got != DefaultResponseTimeout {
		t.Fatalf("expected default response timeout %s, got %s", DefaultResponseTimeout, got)
	}
}
