// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/affinity-rec/affinity/internal/logging"
	"github.com/affinity-rec/affinity/internal/metrics"
)

// ErrQuorumSize is returned when quorum mode is requested with fewer than
// three stores. Two stores cannot distinguish a majority from a tie.
var ErrQuorumSize = errors.New("lock: quorum mode requires at least 3 stores")

// minDrift is the fixed clock-drift allowance added on top of the
// proportional factor.
const minDrift = 2 * time.Millisecond

// Clock abstracts time for the provider so blocking retries are testable.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options tunes the provider. Zero values select production defaults.
type Options struct {
	// DriftFactor scales the TTL into a clock-drift allowance (default 0.01).
	DriftFactor float64
	// RetryInterval is the pause between blocking acquisition attempts
	// (default 100ms).
	RetryInterval time.Duration
	// Clock overrides the time source, for tests.
	Clock Clock
}

// Handle is proof of a held lock. Validity is how long the holder may rely
// on exclusivity: the TTL minus acquisition time and drift allowance.
//
// Known limitation: if the holder outlives the TTL, the stores expire the
// entries and a second holder can acquire. Work guarded by the lock must fit
// inside Validity.
type Handle struct {
	Resource   string
	Token      string
	Validity   time.Duration
	AcquiredAt time.Time
}

// Provider acquires a named lock across a set of stores. In quorum mode a
// majority of stores must accept; in single-node mode one store decides,
// which tolerates no store failure and is only for degraded deployments.
type Provider struct {
	stores        []Store
	quorum        bool
	driftFactor   float64
	retryInterval time.Duration
	clock         Clock
	log           zerolog.Logger
}

// New creates a quorum provider over at least three stores.
func New(stores []Store, opts Options) (*Provider, error) {
	if len(stores) < 3 {
		return nil, ErrQuorumSize
	}
	p := newProvider(stores, opts, true)
	p.log.Info().Int("stores", len(stores)).Str("mode", p.Mode()).
		Msg("Lock provider ready")
	return p, nil
}

// NewSingleNode creates a provider backed by one store. Exclusivity then
// depends on that single store's availability; the degraded mode is logged
// so operators notice.
func NewSingleNode(store Store, opts Options) *Provider {
	p := newProvider([]Store{store}, opts, false)
	p.log.Warn().Str("store", store.Name()).Str("mode", p.Mode()).
		Msg("Lock provider in single-node mode, no failure tolerance")
	return p
}

func newProvider(stores []Store, opts Options, quorum bool) *Provider {
	if opts.DriftFactor <= 0 {
		opts.DriftFactor = 0.01
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Provider{
		stores:        stores,
		quorum:        quorum,
		driftFactor:   opts.DriftFactor,
		retryInterval: opts.RetryInterval,
		clock:         opts.Clock,
		log:           logging.Logger().With().Str("component", "lock").Logger(),
	}
}

// Mode reports "quorum" or "single-node".
func (p *Provider) Mode() string {
	if p.quorum {
		return "quorum"
	}
	return "single-node"
}

// Acquire attempts to take resource for ttl. A nil handle with a nil error
// means the lock is held elsewhere. With blocking set, attempts repeat every
// RetryInterval until one succeeds, the context is cancelled, or timeout
// elapses. A non-positive timeout allows a single attempt even in blocking
// mode: the caller gets an immediate outcome, never an unbounded wait.
func (p *Provider) Acquire(ctx context.Context, resource string, ttl time.Duration, blocking bool, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		blocking = false
	}
	deadline := p.clock.Now().Add(timeout)

	for {
		h, err := p.attempt(ctx, resource, ttl)
		if err != nil {
			return nil, err
		}
		if h != nil {
			metrics.LockAcquireTotal.Inc()
			return h, nil
		}
		metrics.LockAcquireFailedTotal.Inc()

		if !blocking {
			return nil, nil
		}
		if !p.clock.Now().Add(p.retryInterval).Before(deadline) {
			p.log.Debug().Str("resource", resource).Msg("Lock wait timed out")
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(p.retryInterval):
		}
	}
}

// attempt runs one acquisition round: a fresh token offered to every store in
// turn. Success requires a majority of acceptances and enough TTL remaining
// after subtracting elapsed time and the drift allowance; otherwise whatever
// was taken is rolled back.
func (p *Provider) attempt(ctx context.Context, resource string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	start := p.clock.Now()

	accepted := 0
	for _, store := range p.stores {
		ok, err := store.TryAcquire(ctx, resource, token, ttl)
		if err != nil {
			if ctx.Err() != nil {
				p.releaseToken(ctx, resource, token)
				return nil, ctx.Err()
			}
			// An unreachable store counts as a rejection; the majority rule
			// absorbs it.
			p.log.Warn().Err(err).Str("store", store.Name()).
				Msg("Lock store unavailable during acquire")
			continue
		}
		if ok {
			accepted++
		}
	}

	elapsed := p.clock.Now().Sub(start)
	drift := time.Duration(float64(ttl)*p.driftFactor) + minDrift
	validity := ttl - elapsed - drift
	needed := len(p.stores)/2 + 1

	if accepted >= needed && validity > 0 {
		return &Handle{
			Resource:   resource,
			Token:      token,
			Validity:   validity,
			AcquiredAt: start,
		}, nil
	}

	// Partial acquisitions would starve other candidates until TTL expiry.
	p.releaseToken(ctx, resource, token)
	return nil, nil
}

// Release frees the lock on every store, best effort. Failures are counted
// and reported, never raised: an unreleased entry ages out via its TTL.
// Releasing a nil handle is a no-op.
func (p *Provider) Release(ctx context.Context, h *Handle) (released, failed int) {
	if h == nil {
		return 0, 0
	}
	return p.releaseToken(ctx, h.Resource, h.Token)
}

func (p *Provider) releaseToken(ctx context.Context, resource, token string) (released, failed int) {
	for _, store := range p.stores {
		ok, err := store.Release(ctx, resource, token)
		if err != nil {
			failed++
			metrics.LockReleaseFailedTotal.Inc()
			p.log.Warn().Err(err).Str("store", store.Name()).
				Msg("Lock release failed, entry expires via TTL")
			continue
		}
		if ok {
			released++
			metrics.LockReleaseTotal.Inc()
		}
	}
	return released, failed
}
