// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/affinity-rec/affinity/internal/auth"
	"github.com/affinity-rec/affinity/internal/recommend"
	"github.com/affinity-rec/affinity/internal/retrain"
)

type stubRetrainer struct {
	outcome retrain.Outcome
	calls   int
}

func (s *stubRetrainer) Retrain(context.Context, bool) retrain.Outcome {
	s.calls++
	return s.outcome
}

type testAPI struct {
	server    *httptest.Server
	engine    *recommend.Engine
	retrainer *stubRetrainer
	jwt       *auth.JWTManager
	users     *auth.UserStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()

	engine := recommend.New(recommend.Config{
		ModelPath:   filepath.Join(dir, "model.json"),
		RatingsPath: filepath.Join(dir, "ratings.csv"),
		ItemsPath:   filepath.Join(dir, "items.csv"),
		MaxFeatures: 5000,
	}, nil)
	if err := engine.LoadOrTrain(context.Background()); err != nil {
		t.Fatalf("LoadOrTrain: %v", err)
	}

	users, err := auth.NewUserStore(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("NewUserStore: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	jwtMgr, err := auth.NewJWTManager(strings.Repeat("s", 32), time.Hour)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}

	retrainer := &stubRetrainer{outcome: retrain.Retrained}
	handler := NewHandler(engine, retrainer, users, jwtMgr, "retrain-secret", "quorum")
	server := httptest.NewServer(NewRouter(handler, RouterConfig{
		RateLimitReqs:     1000,
		RateLimitWindow:   time.Minute,
		AuthRateLimitReqs: 1000,
	}))
	t.Cleanup(server.Close)

	return &testAPI{server: server, engine: engine, retrainer: retrainer, jwt: jwtMgr, users: users}
}

func (a *testAPI) token(t *testing.T) string {
	t.Helper()
	user, err := a.users.Create(context.Background(), "tester", "password123")
	if err != nil {
		user, err = a.users.Authenticate(context.Background(), "tester", "password123")
		if err != nil {
			t.Fatalf("test user setup: %v", err)
		}
	}
	token, err := a.jwt.GenerateToken(user)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token, retrainToken string, body string) (*http.Response, *APIResponse) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if retrainToken != "" {
		req.Header.Set("X-Retrain-Token", retrainToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, &envelope
}

func TestHealthReady(t *testing.T) {
	a := newTestAPI(t)

	resp, envelope := doJSON(t, http.MethodGet, a.server.URL+"/api/v1/health", "", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if envelope.Status != "success" {
		t.Errorf("envelope status = %q", envelope.Status)
	}
	if envelope.Metadata.Version == "" || envelope.Metadata.Version == recommend.NoVersion {
		t.Errorf("model_version = %q, want a trained fingerprint", envelope.Metadata.Version)
	}
}

func TestRecommendRequiresAuth(t *testing.T) {
	a := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodGet, a.server.URL+"/api/v1/recommend/1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRecommendEndpoint(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t)

	resp, envelope := doJSON(t, http.MethodGet, a.server.URL+"/api/v1/recommend/1?n=2", token, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	payload, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	var data recommendResponse
	if err := json.Unmarshal(payload, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.UserID != 1 {
		t.Errorf("user_id = %d, want 1", data.UserID)
	}
	if len(data.Recommendations) != 2 {
		t.Fatalf("got %d recommendations, want 2", len(data.Recommendations))
	}
	if data.Recommendations[0].ItemID != 1 {
		t.Errorf("top item = %d, want 1", data.Recommendations[0].ItemID)
	}
}

func TestRecommendUnknownUserEmpty(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t)

	resp, envelope := doJSON(t, http.MethodGet, a.server.URL+"/api/v1/recommend/99", token, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload, _ := json.Marshal(envelope.Data)
	var data recommendResponse
	if err := json.Unmarshal(payload, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Recommendations) != 0 {
		t.Errorf("unknown user got %d recommendations, want 0", len(data.Recommendations))
	}
}

func TestRecommendValidation(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t)

	tests := []struct {
		name string
		path string
	}{
		{"non-numeric user", "/api/v1/recommend/abc"},
		{"zero n", "/api/v1/recommend/1?n=0"},
		{"oversized n", "/api/v1/recommend/1?n=500"},
		{"non-numeric n", "/api/v1/recommend/1?n=ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, envelope := doJSON(t, http.MethodGet, a.server.URL+tt.path, token, "", "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if envelope.Error == nil || envelope.Error.Code != "VALIDATION_ERROR" {
				t.Errorf("error = %+v, want VALIDATION_ERROR", envelope.Error)
			}
		})
	}
}

func TestRetrainTokenGuard(t *testing.T) {
	a := newTestAPI(t)

	resp, envelope := doJSON(t, http.MethodPost, a.server.URL+"/api/v1/retrain", "", "wrong-token", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != "FORBIDDEN" {
		t.Errorf("error = %+v, want FORBIDDEN", envelope.Error)
	}
	if a.retrainer.calls != 0 {
		t.Error("retrain ran despite bad token")
	}
}

func TestRetrainOutcomeMapping(t *testing.T) {
	tests := []struct {
		outcome    retrain.Outcome
		wantStatus int
	}{
		{retrain.Retrained, http.StatusOK},
		{retrain.Skipped, http.StatusConflict},
		{retrain.Failed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			a := newTestAPI(t)
			a.retrainer.outcome = tt.outcome

			resp, envelope := doJSON(t, http.MethodPost, a.server.URL+"/api/v1/retrain", "", "retrain-secret", "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			payload, _ := json.Marshal(envelope.Data)
			var data map[string]string
			if err := json.Unmarshal(payload, &data); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if data["status"] != tt.outcome.String() {
				t.Errorf("status field = %q, want %q", data["status"], tt.outcome.String())
			}
		})
	}
}

func TestSignupAndLogin(t *testing.T) {
	a := newTestAPI(t)

	body := `{"username": "alice", "password": "password123"}`
	resp, envelope := doJSON(t, http.MethodPost, a.server.URL+"/api/v1/auth/signup", "", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d, want 201", resp.StatusCode)
	}
	payload, _ := json.Marshal(envelope.Data)
	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tok.Token == "" {
		t.Error("signup returned no token")
	}

	// The signup token must open the protected endpoint.
	resp, _ = doJSON(t, http.MethodGet, a.server.URL+"/api/v1/recommend/1", tok.Token, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("recommend with signup token = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, a.server.URL+"/api/v1/auth/signup", "", "", body)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate signup status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, a.server.URL+"/api/v1/auth/login", "", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d, want 200", resp.StatusCode)
	}

	bad := `{"username": "alice", "password": "not-the-password"}`
	resp, _ = doJSON(t, http.MethodPost, a.server.URL+"/api/v1/auth/login", "", "", bad)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}
}

func TestSignupValidation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"short password", `{"username": "bob", "password": "short"}`},
		{"short username", `{"username": "ab", "password": "password123"}`},
		{"empty body", `{}`},
		{"malformed json", `{"username": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, a.server.URL+"/api/v1/auth/signup", "", "", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
