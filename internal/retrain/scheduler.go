// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package retrain

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/logging"
)

// Retrainer is what the scheduler drives; satisfied by *Orchestrator.
type Retrainer interface {
	Retrain(ctx context.Context, waitForLock bool) Outcome
}

// Scheduler triggers a retrain at a fixed interval. It implements
// suture.Service and is meant to run under the supervisor tree; a skipped or
// failed retrain is logged and the ticker keeps going.
type Scheduler struct {
	retrainer Retrainer
	interval  time.Duration
	log       zerolog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval defaults to 24h.
func NewScheduler(retrainer Retrainer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		retrainer: retrainer,
		interval:  interval,
		log:       logging.Logger().With().Str("component", "retrain-scheduler").Logger(),
	}
}

// Serve implements suture.Service. Scheduled runs never wait for the lock:
// if another process is mid-retrain the tick is redundant anyway.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("Retrain scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			outcome := s.retrainer.Retrain(ctx, false)
			s.log.Info().Str("outcome", outcome.String()).Msg("Scheduled retrain finished")
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Scheduler) String() string {
	return "retrain-scheduler"
}
