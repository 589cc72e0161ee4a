// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	// Run from a temp dir so no stray config.yaml is picked up.
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("server.port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("cache.ttl = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.Lock.Resource != "affinity:retrain-lock" {
		t.Errorf("lock.resource = %q", cfg.Lock.Resource)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AFFINITY_SERVER__PORT", "9001")
	t.Setenv("AFFINITY_SECURITY__RETRAIN_TOKEN", "hunter2")
	t.Setenv("AFFINITY_LOCK__ENDPOINTS", "data/lock-a, data/lock-b, data/lock-c")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("server.port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Security.RetrainToken != "hunter2" {
		t.Errorf("security.retrain_token = %q", cfg.Security.RetrainToken)
	}
	want := []string{"data/lock-a", "data/lock-b", "data/lock-c"}
	if len(cfg.Lock.Endpoints) != len(want) {
		t.Fatalf("lock.endpoints = %v, want %v", cfg.Lock.Endpoints, want)
	}
	for i := range want {
		if cfg.Lock.Endpoints[i] != want[i] {
			t.Errorf("lock.endpoints[%d] = %q, want %q", i, cfg.Lock.Endpoints[i], want[i])
		}
	}
	if !cfg.Lock.QuorumEnabled() {
		t.Error("three endpoints should auto-select quorum mode")
	}
}

func TestValidateQuorumRequiresThreeEndpoints(t *testing.T) {
	cfg := defaultConfig()
	cfg.Lock.Mode = "quorum"
	cfg.Lock.Endpoints = []string{"data/lock-a", "data/lock-b"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for 2-endpoint quorum")
	}
	if !strings.Contains(err.Error(), "at least 3 endpoints") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Environment = "production"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for production config without secrets")
	}

	cfg.Security.JWTSecret = strings.Repeat("s", 32)
	cfg.Security.RetrainToken = "token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid production config, got: %v", err)
	}
}

func TestQuorumEnabledModes(t *testing.T) {
	tests := []struct {
		mode      string
		endpoints int
		want      bool
	}{
		{"quorum", 3, true},
		{"single", 3, false},
		{"", 3, true},
		{"", 1, false},
	}

	for _, tt := range tests {
		lc := LockConfig{Mode: tt.mode}
		for i := 0; i < tt.endpoints; i++ {
			lc.Endpoints = append(lc.Endpoints, "x")
		}
		if got := lc.QuorumEnabled(); got != tt.want {
			t.Errorf("mode=%q endpoints=%d: QuorumEnabled() = %v, want %v",
				tt.mode, tt.endpoints, got, tt.want)
		}
	}
}
