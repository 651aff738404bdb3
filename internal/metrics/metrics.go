package metrics

import "time"

// Recorder receives ledger and transport measurements. Implementations export
// them to a backend; NoOp discards them.
type Recorder interface {
	// RecordOperation counts a ledger command and its outcome code.
	RecordOperation(op, outcome string, duration time.Duration)
	// RecordRetry counts a conflict retry for op.
	RecordRetry(op string)
	// RecordSwept counts transfers marked fulfilled by a sweep.
	RecordSwept(count int)
	RecordCircuitState(name string, state CircuitState)
	RecordHTTP(method, route string, status int, duration time.Duration)
}

// CircuitState mirrors the store circuit breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOp is the default Recorder when metrics are disabled.
type NoOp struct{}

func (NoOp) RecordOperation(string, string, time.Duration) {}
func (NoOp) RecordRetry(string) {}
func (NoOp) RecordSwept(int) {}
func (NoOp) RecordCircuitState(string, CircuitState) {}
func (NoOp) RecordHTTP(string, string, int, time.Duration) {}
