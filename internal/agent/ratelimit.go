package agent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultModelRPM is the request-per-minute table keyed by model name.
// Unknown models use the conservative default.
var defaultModelRPM = map[string]int{
	"claude-haiku-4-5":  50,
	"claude-sonnet-4-5": 50,
	"claude-opus-4-1":   25,
}

const (
	defaultRPM = 20
	// safetyMargin is extra spacing added on top of 60_000/RPM per request.
	safetyMargin = 250 * time.Millisecond
)

// modelLimiter enforces a per-model minimum spacing between requests:
// (60_000 / RPM) + margin milliseconds, millisecond precision.
type modelLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
}

// newModelLimiter creates a limiter with the given RPM table; nil uses the
// defaults.
func newModelLimiter(table map[string]int) *modelLimiter {
	if table == nil {
		table = defaultModelRPM
	}
	return &modelLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      table,
	}
}

// wait blocks until the model's next request slot, or until ctx is done.
func (l *modelLimiter) wait(ctx context.Context, model string) error {
	return l.limiterFor(model).Wait(ctx)
}

func (l *modelLimiter) limiterFor(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[model]; ok {
		return lim
	}
	rpm := l.rpm[model]
	if rpm <= 0 {
		rpm = defaultRPM
	}
	spacing := time.Duration(60_000/rpm)*time.Millisecond + safetyMargin
	lim := rate.NewLimiter(rate.Every(spacing), 1)
	l.limiters[model] = lim
	return lim
}
