package ratelimit

import "context"

type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         float64
	LimitRPS          float64
	Burst             float64
}

// Limiter is a token bucket per key. Rate and burst are fixed when the
// limiter is built.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}
