// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the transport-level knobs.
type RouterConfig struct {
	// CORSOrigins lists the allowed origins; empty leaves CORS off so
	// browsers enforce same-origin.
	CORSOrigins []string

	// RateLimitReqs / RateLimitWindow bound API traffic per client IP.
	RateLimitReqs   int
	RateLimitWindow time.Duration

	// AuthRateLimitReqs is the stricter per-IP budget for the auth
	// endpoints, guarding against credential stuffing.
	AuthRateLimitReqs int
}

// NewRouter assembles the full route tree.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RateLimitReqs <= 0 {
		cfg.RateLimitReqs = 300
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.AuthRateLimitReqs <= 0 {
		cfg.AuthRateLimitReqs = 10
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(AccessLog)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Retrain-Token", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health gets a permissive limit so monitoring can poll freely.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/api/v1/health", h.Health)
	})

	// Auth endpoints carry the strictest limit.
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.AuthRateLimitReqs, time.Minute))
		r.Use(PrometheusMetrics)
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
	})

	// Data endpoints require a valid JWT.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(PrometheusMetrics)
		r.Use(h.jwt.Authenticate)
		r.Get("/api/v1/recommend/{userID}", h.Recommend)
	})

	// Retrain has its own shared-secret guard inside the handler; JWT auth
	// does not apply.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(PrometheusMetrics)
		r.Post("/api/v1/retrain", h.Retrain)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
