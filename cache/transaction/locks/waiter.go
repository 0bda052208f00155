package locks

import (
	"context"
	"time"
)

// Position is the outcome of a wait.
type Position int

const (
	// Woken means the lock changed hands and the waiter should retry.
	Woken Position = iota
	WaitTimeout
	WaitCanceled
)

// Waiter parks a goroutine on one lock until it is released, the timeout
// elapses or the caller's context is done.
type Waiter struct {
	ch       <-chan struct{}
	deadline time.Time
}

func newWaiter(ch <-chan struct{}, deadline time.Time) *Waiter {
	return &Waiter{ch: ch, deadline: deadline}
}

func (w *Waiter) Wait(ctx context.Context) Position {
	remaining := time.Until(w.deadline)
	if remaining <= 0 {
		return WaitTimeout
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-w.ch:
		return Woken
	case <-timer.C:
		return WaitTimeout
	case <-ctx.Done():
		return WaitCanceled
	}
}
