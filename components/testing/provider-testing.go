package comptesting

import (
	"context"
	"time"

	"github.com/italypaleale/actorfx/components"
)

// ProviderTesting extends the Provider interface adding test-only methods
type ProviderTesting interface {
	components.Provider

	// Seed replaces all data in the provider
	Seed(ctx context.Context, seed SeedData) error

	// Now returns the current time
	// Providers that do not have a mocked clock should respond with time.Now()
	Now() time.Time

	// AdvanceClock advances the clock
	// Providers that do not have a mocked clock should sleep for the given duration
	AdvanceClock(d time.Duration) error
}

// SeedData contains the data used to seed a provider.
type SeedData struct {
	// Entries, keyed by namespace then key
	Entries map[string]map[string][]byte
	// Armed timers, keyed by namespace
	Timers map[string]time.Time
}
