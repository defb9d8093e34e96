package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limiters can be driven deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Limiter is a token bucket expressed as a generic cell rate algorithm: rather
// than tracking a token count it tracks the theoretical arrival time (tat) of
// the next conforming event. An event conforms while tat-now does not exceed
// the burst tolerance.
//
// A rate <= 0 disables limiting.
type Limiter struct {
	mu    sync.Mutex
	clock Clock

	interval  time.Duration // emission interval, 1/rate
	tolerance time.Duration // (burst-1) * interval
	tat       time.Time
}

// NewLimiter allows perSecond events per second on average with bursts of up
// to burst events. burst < 1 is treated as 1.
func NewLimiter(clock Clock, perSecond, burst int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &Limiter{clock: clock}
	if perSecond <= 0 {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	l.interval = time.Second / time.Duration(perSecond)
	if l.interval <= 0 {
		l.interval = 1
	}
	l.tolerance = time.Duration(burst-1) * l.interval
	return l
}

// Allow reports whether one more event fits within the limit and, if so,
// records it.
func (l *Limiter) Allow() bool {
	if l == nil || l.interval == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	tat := l.tat
	if tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > l.tolerance {
		return false
	}
	l.tat = tat.Add(l.interval)
	return true
}
