// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package api is the HTTP transport: chi routing, the JSON response
// envelope, and the handlers that bridge requests to the recommendation
// engine and the retrain orchestrator.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/affinity-rec/affinity/internal/auth"
	"github.com/affinity-rec/affinity/internal/recommend"
	"github.com/affinity-rec/affinity/internal/retrain"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

var validate = validator.New()

// Recommender is the engine surface the handlers need.
type Recommender interface {
	Recommend(ctx context.Context, userID, n int) ([]recommend.Recommendation, error)
	Version() string
}

// Handler bundles the dependencies of all endpoints.
type Handler struct {
	engine       Recommender
	retrainer    retrain.Retrainer
	users        *auth.UserStore
	jwt          *auth.JWTManager
	retrainToken string
	lockMode     string
}

// NewHandler wires the endpoint dependencies together.
func NewHandler(engine Recommender, retrainer retrain.Retrainer, users *auth.UserStore, jwt *auth.JWTManager, retrainToken, lockMode string) *Handler {
	return &Handler{
		engine:       engine,
		retrainer:    retrainer,
		users:        users,
		jwt:          jwt,
		retrainToken: retrainToken,
		lockMode:     lockMode,
	}
}

type recommendResponse struct {
	UserID          int                        `json:"user_id"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
}

// Recommend serves GET /api/v1/recommend/{userID}?n=.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user id must be an integer", nil)
		return
	}

	n := defaultLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"n must be an integer between 1 and 100", nil)
			return
		}
	}

	recs, err := h.engine.Recommend(r.Context(), userID, n)
	if errors.Is(err, recommend.ErrNotReady) {
		respondError(w, http.StatusServiceUnavailable, "MODEL_NOT_READY",
			"model is still initializing", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "RECOMMEND_ERROR",
			"failed to compute recommendations", err)
		return
	}

	respondSuccess(w, http.StatusOK, recommendResponse{
		UserID:          userID,
		Recommendations: recs,
	}, Metadata{Version: h.engine.Version()})
}

// Retrain serves POST /api/v1/retrain, guarded by the shared retrain token
// rather than user JWTs: the caller is typically a cron job or operator
// script, not a logged-in user.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Retrain-Token")
	if h.retrainToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.retrainToken)) != 1 {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "invalid retrain token", nil)
		return
	}

	outcome := h.retrainer.Retrain(r.Context(), false)

	status := http.StatusOK
	switch outcome {
	case retrain.Skipped:
		status = http.StatusConflict
	case retrain.Failed:
		status = http.StatusInternalServerError
	}

	respondSuccess(w, status, map[string]string{"status": outcome.String()},
		Metadata{Version: h.engine.Version()})
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type tokenResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

func decodeCredentials(r *http.Request) (*credentialsRequest, error) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if err := validate.Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Signup serves POST /api/v1/auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"username (3-64 chars) and password (8-128 chars) are required", nil)
		return
	}

	user, err := h.users.Create(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUsernameTaken) {
		respondError(w, http.StatusConflict, "USERNAME_TAKEN", "username already taken", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SIGNUP_ERROR", "failed to create account", err)
		return
	}

	token, err := h.jwt.GenerateToken(user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to issue token", err)
		return
	}
	respondSuccess(w, http.StatusCreated, tokenResponse{Token: token, User: user}, Metadata{})
}

// Login serves POST /api/v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"username and password are required", nil)
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		respondError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "invalid credentials", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LOGIN_ERROR", "failed to authenticate", err)
		return
	}

	token, err := h.jwt.GenerateToken(user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to issue token", err)
		return
	}
	respondSuccess(w, http.StatusOK, tokenResponse{Token: token, User: user}, Metadata{})
}

// Health serves GET /api/v1/health. Readiness means a snapshot is published.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	version := h.engine.Version()
	status := "ok"
	code := http.StatusOK
	if version == recommend.NoVersion {
		status = "initializing"
		code = http.StatusServiceUnavailable
	}

	respondSuccess(w, code, map[string]string{
		"status":    status,
		"lock_mode": h.lockMode,
	}, Metadata{Version: version})
}
