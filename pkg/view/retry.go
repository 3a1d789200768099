package view

import (
	"context"
	"errors"
	"math"
	"time"
)

var errStopped = errors.New("view closed")

// Backoff spaces out snapshot reloads that failed.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoff starts at 1s and doubles up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

func (b Backoff) orDefault() Backoff {
	if b.InitialDelay <= 0 {
		return DefaultBackoff()
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	return b
}

// Delay returns the wait after the given failed attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds or fails permanently, or until ctx is done
// or stop is closed. Errors that report Retryable() == false are permanent.
func (b Backoff) Retry(ctx context.Context, stop <-chan struct{}, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		if err := b.wait(ctx, stop, b.Delay(attempt)); err != nil {
			return err
		}
	}
}

func (b Backoff) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-timer.C:
		return nil
	}
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
