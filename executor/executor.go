// Package executor runs the target against one candidate input under a
// time and memory budget, isolated from the orchestrator process, and
// reports the outcome together with the observed coverage.
package executor

import (
	"context"
	"time"

	"alma.local/fuzz/covmap"
)

// Status classifies one execution of the target.
type Status int

const (
	StatusNormal Status = iota
	StatusCrash
	StatusTimeout
	StatusOOM
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusCrash:
		return "crash"
	case StatusTimeout:
		return "timeout"
	case StatusOOM:
		return "oom"
	}
	return "unknown"
}

// CmpPair is one comparison-operand observation harvested from the target.
// Best-effort: executors that cannot observe comparisons report none.
type CmpPair struct {
	A, B uint64
}

// Result is the transient outcome of a single execution. The coverage
// snapshot is independently owned; the raw map may be reset immediately.
type Result struct {
	Status  Status
	Cover   covmap.Snapshot
	Elapsed time.Duration
	// Signal is the terminating signal number for StatusCrash, 0 otherwise.
	Signal int
	// CmpLog carries comparison operands when the instrumentation exposes
	// them; nil otherwise.
	CmpLog []CmpPair
}

// Executor runs candidates. Implementations must re-arm their coverage map
// before each run and must never propagate target faults as errors: a
// returned error means the executor itself broke (spawn failure, lost
// shared-memory region), which the caller treats as fatal for this worker.
type Executor interface {
	Execute(ctx context.Context, input []byte) (Result, error)
	Close() error
}
