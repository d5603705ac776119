package executor

import (
	"context"
	"time"

	"alma.local/fuzz/covmap"
	"github.com/pkg/errors"
)

// Harness is the target-side entry point for persistent in-process
// execution: given a byte buffer, run target logic and return. An error
// return means the input was rejected (normal outcome, not a fault); a
// panic is trapped and classified as a crash. Coverage is communicated only
// through the map, never through the return value.
type Harness func(data []byte, cov *covmap.Map) error

// CmpSource optionally yields the comparison operands observed during the
// last harness invocation.
type CmpSource func() []CmpPair

// InProcessExecutor invokes a Go harness directly, avoiding per-input
// process startup cost. Panics are trapped so a misbehaving harness does
// not terminate the orchestrator. A harness that ignores its deadline
// leaves a goroutine behind; untrusted native targets belong in the
// ForkExecutor instead.
type InProcessExecutor struct {
	harness Harness
	cmp     CmpSource
	cov     *covmap.Map
	budget  time.Duration
}

// NewInProcessExecutor creates an executor around harness with a private
// coverage map of mapSize bytes. cmp may be nil.
func NewInProcessExecutor(harness Harness, cmp CmpSource, mapSize int, budget time.Duration) (*InProcessExecutor, error) {
	if harness == nil {
		return nil, errors.New("nil harness")
	}
	if budget <= 0 {
		return nil, errors.Errorf("invalid time budget %v", budget)
	}
	cov, err := covmap.New(mapSize)
	if err != nil {
		return nil, err
	}
	return &InProcessExecutor{harness: harness, cmp: cmp, cov: cov, budget: budget}, nil
}

// Execute runs the harness once against input.
func (e *InProcessExecutor) Execute(ctx context.Context, input []byte) (Result, error) {
	// 1. Re-arm the coverage map.
	e.cov.Reset()

	// 2. Run the harness with panic trapping. The goroutine lets us give
	// up after the time budget even if the harness never returns.
	type outcome struct {
		crashed bool
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		out := outcome{}
		defer func() {
			if r := recover(); r != nil {
				out.crashed = true
			}
			done <- out
		}()
		// Harness errors signal a rejected input, which is a normal run.
		_ = e.harness(input, e.cov)
	}()

	timer := time.NewTimer(e.budget)
	defer timer.Stop()

	res := Result{Status: StatusNormal}
	select {
	case out := <-done:
		if out.crashed {
			res.Status = StatusCrash
		}
	case <-timer.C:
		res.Status = StatusTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	res.Elapsed = time.Since(start)

	// 3. Snapshot coverage; on timeout this reflects partial execution.
	res.Cover = e.cov.Snapshot()
	if res.Status == StatusNormal && e.cmp != nil {
		res.CmpLog = e.cmp()
	}
	return res, nil
}

// Close implements Executor.
func (e *InProcessExecutor) Close() error { return nil }
