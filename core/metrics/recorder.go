// Package metrics records admission, recovery and breaker metrics.
package metrics

import (
	"time"

	"github.com/adalundhe/agentgate/core/circuit"
)

// Recorder receives metric observations from the gate and its components.
type Recorder interface {
	// Admitted records a task leaving the queue for execution.
	Admitted(agentType string, queueWait time.Duration)

	// Rejected records a task refused before execution. reason is a short
	// label such as "queue_full" or "circuit_open".
	Rejected(agentType, reason string)

	// Finished records a task reaching a terminal status.
	Finished(agentType, status string, duration time.Duration)

	// Recovered records a monitor intervention by kind (stalled, timeout, failed).
	Recovered(kind string)

	BreakerStateChanged(name string, from, to circuit.State)

	SetActive(n int)
	SetQueueDepth(n int)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// Nop returns a recorder that discards everything.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) Admitted(string, time.Duration) {}
func (NoopRecorder) Rejected(string, string) {}
func (NoopRecorder) Finished(string, string, time.Duration) {}
func (NoopRecorder) Recovered(string) {}
func (NoopRecorder) BreakerStateChanged(string, circuit.State, circuit.State) {}
func (NoopRecorder) SetActive(int) {}
func (NoopRecorder) SetQueueDepth(int) {}
