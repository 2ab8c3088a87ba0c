package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Backoff struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// Policy configures one named operation. Zero fields in an override inherit
// the gateway default.
type Policy struct {
	SlidingWindowSize    int           `mapstructure:"sliding_window_size"`
	MinimumCalls         int           `mapstructure:"minimum_calls"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	OpenStateDuration    time.Duration `mapstructure:"open_state_duration"`
	HalfOpenCalls        int           `mapstructure:"half_open_calls"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	Backoff              Backoff       `mapstructure:"backoff"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		SlidingWindowSize:    5,
		MinimumCalls:         3,
		FailureRateThreshold: 50,
		OpenStateDuration:    10 * time.Second,
		HalfOpenCalls:        3,
		MaxAttempts:          3,
		Backoff:              Backoff{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 1},
		Timeout:              5 * time.Second,
	}
}

func (p Policy) Merge(o Policy) Policy {
	if o.SlidingWindowSize > 0 {
		p.SlidingWindowSize = o.SlidingWindowSize
	}
	if o.MinimumCalls > 0 {
		p.MinimumCalls = o.MinimumCalls
	}
	if o.FailureRateThreshold > 0 {
		p.FailureRateThreshold = o.FailureRateThreshold
	}
	if o.OpenStateDuration > 0 {
		p.OpenStateDuration = o.OpenStateDuration
	}
	if o.HalfOpenCalls > 0 {
		p.HalfOpenCalls = o.HalfOpenCalls
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.Backoff.Initial > 0 {
		p.Backoff.Initial = o.Backoff.Initial
	}
	if o.Backoff.Max > 0 {
		p.Backoff.Max = o.Backoff.Max
	}
	if o.Backoff.Multiplier > 0 {
		p.Backoff.Multiplier = o.Backoff.Multiplier
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	return p
}

func (p Policy) minimumCalls() int {
	if p.MinimumCalls <= 0 || p.MinimumCalls > p.SlidingWindowSize {
		return p.SlidingWindowSize
	}
	return p.MinimumCalls
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff.Initial
	b.MaxInterval = p.Backoff.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Backoff.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
