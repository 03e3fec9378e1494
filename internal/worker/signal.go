package worker

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// TerminationContext is a context canceled on SIGINT/SIGTERM that also
// remembers which signal triggered the cancellation, so the settlement
// path can store the signal name as the job's last_error (spec §5, §7,
// §8 scenario 7). Re-architects the source's signal-handler-raises
// pattern as a cancellation token observed at I/O points (spec §9).
type TerminationContext struct {
	context.Context
	signal atomic.Value
}

// NewTerminationContext derives a TerminationContext from parent, canceled
// the first time SIGINT or SIGTERM is received. Callers must invoke the
// returned CancelFunc once done, same as context.WithCancel.
func NewTerminationContext(parent context.Context) (*TerminationContext, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	tc := &TerminationContext{Context: ctx}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			name := "SIGINT"
			if sig == syscall.SIGTERM {
				name = "SIGTERM"
			}
			tc.signal.Store(name)
			cancel()
		case <-ctx.Done():
		}
	}()

	return tc, cancel
}

// SignalName returns the name of the signal that triggered cancellation,
// or "" if the context was canceled some other way (or not at all).
func (tc *TerminationContext) SignalName() string {
	if v, ok := tc.signal.Load().(string); ok {
		return v
	}
	return ""
}
