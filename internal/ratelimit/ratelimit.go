// Package ratelimit keeps one token bucket per key.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
)

// Pool hands out a limiter per key, created on first use. The zero value uses
// the default rate.
type Pool struct {
	RPS   float64
	Burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewPool returns a pool limiting each key to rps events per second.
func NewPool(rps float64, burst int) *Pool {
	return &Pool{RPS: rps, Burst: burst}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := p.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

// Allow reports whether an event for key may happen now.
func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Forget drops the limiter for key.
func (p *Pool) Forget(key string) {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}
