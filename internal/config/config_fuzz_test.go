package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "FLAGTREE_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadResyncInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, resyncInterval string) {
		if strings.ContainsRune(resyncInterval, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("RESYNC_INTERVAL", resyncInterval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(resyncInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty RESYNC_INTERVAL", err)
			}
			if cfg.ResyncInterval != defaultResyncInterval {
				t.Fatalf("ResyncInterval = %s, want %s", cfg.ResyncInterval, defaultResyncInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for RESYNC_INTERVAL=%q", resyncInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for RESYNC_INTERVAL=%q", err, resyncInterval)
		}
		if cfg.ResyncInterval != parsed {
			t.Fatalf("ResyncInterval = %s, want %s", cfg.ResyncInterval, parsed)
		}
	})
}

func FuzzLoadAuthRateLimit(f *testing.F) {
	f.Add("")
	f.Add("10")
	f.Add("0")
	f.Add("-3")
	f.Add("ten")

	f.Fuzz(func(t *testing.T, limit string) {
		if strings.ContainsRune(limit, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("AUTH_RATE_LIMIT", limit)

		cfg, err := Load()
		if err != nil {
			return
		}
		if cfg.AuthRateLimit <= 0 {
			t.Fatalf("AuthRateLimit = %d for AUTH_RATE_LIMIT=%q, want > 0", cfg.AuthRateLimit, limit)
		}
	})
}
