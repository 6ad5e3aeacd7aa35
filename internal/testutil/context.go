package testutil

import (
	"context"
	"sync"
)

// ContextDoneNotifier wraps a context and reports when Done is first invoked.
// Tests use it to wait until a blocking method is parked on the context.
type ContextDoneNotifier struct {
	context.Context

	once   sync.Once
	called chan struct{}
}

// NewContextDoneNotifier returns a ContextDoneNotifier wrapping parent.
func NewContextDoneNotifier(parent context.Context) *ContextDoneNotifier {
	return &ContextDoneNotifier{
		Context: parent,
		called:  make(chan struct{}),
	}
}

// Done implements context.Context.
func (c *ContextDoneNotifier) Done() <-chan struct{} {
	c.once.Do(func() {
		close(c.called)
	})
	return c.Context.Done()
}

// WaitForDone blocks until Done has been invoked at least once.
func (c *ContextDoneNotifier) WaitForDone() {
	<-c.called
}
