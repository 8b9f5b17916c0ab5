package download

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig shapes the delay between attempts of one task.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff is used when no backoff is configured.
var DefaultBackoff = BackoffConfig{
	InitialDelay: 250 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     8 * time.Second,
	Jitter:       true,
}

// NextBackoffDelay returns the delay after attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *lockedRand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// lockedRand is a rand source safe for the worker pool.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}
