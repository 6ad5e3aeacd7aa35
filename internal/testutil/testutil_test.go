package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextDoneNotifier(t *testing.T) {
	ctx := NewContextDoneNotifier(t.Context())

	waited := make(chan struct{})
	go func() {
		ctx.WaitForDone()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("WaitForDone returned before Done was called")
	case <-time.After(50 * time.Millisecond):
	}

	assert.NotNil(t, ctx.Done())
	// Calling Done again doesn't panic
	assert.NotNil(t, ctx.Done())

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("WaitForDone did not return")
	}
}

func TestConcurrentBuffer(t *testing.T) {
	cb := &ConcurrentBuffer{}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			fmt.Fprintf(cb, "line %d\n", i)
		})
	}
	wg.Wait()

	assert.Len(t, cb.Lines("line "), 10)
	assert.Equal(t, []string{"line 3"}, cb.Lines("line 3"))
	assert.Empty(t, cb.Lines("missing"))
}
