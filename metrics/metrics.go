// Package metrics contains the interfaces used to instrument actors, so the runtime isn't coupled to a specific backend.
package metrics

// Timer measures the duration of an operation.
// Call ObserveDuration when the operation completes.
type Timer interface {
	ObserveDuration()
}

// RuntimeMetrics collects metrics for actor runtimes and the host.
type RuntimeMetrics interface {
	// ActionDuration returns a Timer for one invocation of an action.
	ActionDuration(actorType string, action string) Timer
	// ActionCompleted counts invocations of an action.
	ActionCompleted(actorType string, action string, success bool)
	// StateCommitted records the writes of a state commit.
	StateCommitted(actorType string, puts int, deletes int)
	// ScheduledActionFired counts scheduled actions run by the alarm loop.
	ScheduledActionFired(actorType string, action string, success bool)
	// AlarmProcessed counts wake-ups of the alarm loop and how many actions were due.
	AlarmProcessed(actorType string, due int)
	// ActiveActors adds delta to the number of active actors of the type.
	ActiveActors(actorType string, delta int)
}

// Nop returns a RuntimeMetrics that discards everything.
func Nop() RuntimeMetrics {
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) ActionDuration(string, string) Timer       { return nopTimer{} }
func (nopMetrics) ActionCompleted(string, string, bool)      {}
func (nopMetrics) StateCommitted(string, int, int)           {}
func (nopMetrics) ScheduledActionFired(string, string, bool) {}
func (nopMetrics) AlarmProcessed(string, int)                {}
func (nopMetrics) ActiveActors(string, int)                  {}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}
