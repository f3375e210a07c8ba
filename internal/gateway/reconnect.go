package gateway

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy makes the retry behavior explicit and configurable rather
// than leaning on transport defaults: exponential backoff between BaseDelay
// and MaxDelay with jitter, capped at MaxAttempts consecutive failures.
// MaxAttempts == 0 retries forever; Disabled turns reconnection off.
type ReconnectPolicy struct {
	Disabled    bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// StableAfter resets the attempt counter once a connection has stayed
	// up this long, so a flap after hours of uptime starts from the base
	// delay again.
	StableAfter time.Duration
}

// DefaultReconnectPolicy mirrors the values the production gateway expects.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		StableAfter: 60 * time.Second,
	}
}

func (p *ReconnectPolicy) defaults() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.StableAfter <= 0 {
		p.StableAfter = 60 * time.Second
	}
}

type reconnector struct {
	policy      ReconnectPolicy
	attempt     int
	connectedAt time.Time
}

func newReconnector(policy ReconnectPolicy) *reconnector {
	policy.defaults()
	return &reconnector{policy: policy}
}

func (r *reconnector) shouldReconnect() bool {
	if r.policy.Disabled {
		return false
	}
	return r.policy.MaxAttempts == 0 || r.attempt < r.policy.MaxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the backoff for the upcoming attempt and advances the
// attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.policy.StableAfter {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.policy.BaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.policy.BaseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.policy.MaxDelay),
	))
	r.attempt++
	return delay
}
