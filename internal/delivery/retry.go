package delivery

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy is the single retry contract shared by every channel.
//
// MaxRetries counts attempts after the first, so MaxRetries 2 means at most
// three attempts per recipient.
type RetryPolicy struct {
	MaxRetries  int
	Base        time.Duration
	Max         time.Duration
	Exponential bool
	Jitter      bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: 2 * time.Second}
}

// Attempts is the total number of attempts allowed.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait before the next attempt, given that attempt
// (1-based) just failed. Linear by default: Base * attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	if p.Exponential {
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter {
		d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	}
	return d
}
