package components

import (
	"context"
	"time"
)

// Provider is the interface implemented by all storage providers.
// A provider hands out one KVStore and one Timer per namespace; each actor instance owns exactly one namespace.
type Provider interface {
	// Init the provider, for example running schema migrations.
	Init(ctx context.Context) error

	// Run the provider
	// This method blocks until the context is canceled
	// If the provider is already running, returns ErrAlreadyRunning
	Run(ctx context.Context) error

	// Store returns the key-value store for the namespace.
	Store(namespace string) KVStore

	// Timer returns the timer for the namespace.
	// Repeated calls for the same namespace return the same object.
	Timer(namespace string) Timer

	// DueTimers returns the namespaces whose timer is armed with a due time at or before now.
	DueTimers(ctx context.Context, now time.Time) ([]string, error)

	// Close releases all resources held by the provider.
	Close() error
}
