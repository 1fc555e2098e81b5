package mq

import "context"

// FetchLimiter caps how many messages a subscription holds between fetch
// and handler completion.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// TokenLimiter is a channel semaphore sized to the grading worker count, so
// a host never pulls more tasks than it can start.
type TokenLimiter struct {
	inflight chan struct{}
}

// NewTokenLimiter allows size concurrent holders; size below one means one.
func NewTokenLimiter(size int) *TokenLimiter {
	return &TokenLimiter{inflight: make(chan struct{}, max(size, 1))}
}

// Acquire takes a slot, waiting until one frees up or ctx ends.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case l.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Extra releases are ignored.
func (l *TokenLimiter) Release() {
	select {
	case <-l.inflight:
	default:
	}
}

// Available reports the number of free slots.
func (l *TokenLimiter) Available() int {
	return cap(l.inflight) - len(l.inflight)
}
