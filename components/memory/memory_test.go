package memory

import (
	"bytes"
	"context"
	"maps"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/italypaleale/actorfx/components"
	comptesting "github.com/italypaleale/actorfx/components/testing"
)

func TestComponent(t *testing.T) {
	clock := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	p := &testProvider{
		Provider: NewProvider(nil, Options{Clock: clock}),
		clock:    clock,
	}
	t.Cleanup(func() {
		_ = p.Close()
	})

	suite := comptesting.NewSuite(p)
	suite.Run(t)
}

type testProvider struct {
	*Provider
	clock *clocktesting.FakeClock
}

func (p *testProvider) Seed(_ context.Context, seed comptesting.SeedData) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = map[string]*components.LocalTimer{}

	p.data = make(map[string]map[string][]byte, len(seed.Entries))
	for ns, entries := range seed.Entries {
		b := make(map[string][]byte, len(entries))
		for k, v := range entries {
			b[k] = bytes.Clone(v)
		}
		p.data[ns] = b
	}

	p.due = map[string]time.Time{}
	maps.Copy(p.due, seed.Timers)
	return nil
}

func (p *testProvider) Now() time.Time {
	return p.clock.Now()
}

func (p *testProvider) AdvanceClock(d time.Duration) error {
	p.clock.Step(d)
	return nil
}
