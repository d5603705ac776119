package fuzzer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fuzz/corpus"
	"alma.local/fuzz/covmap"
	"alma.local/fuzz/events"
	"alma.local/fuzz/executor"
	"alma.local/fuzz/feedback"
	"alma.local/fuzz/mutator"
	"alma.local/fuzz/scheduler"
)

// calibrationRuns is the total number of executions used to settle a new
// entry's coverage and cost before it enters the corpus.
const calibrationRuns = 3

// worker is one fuzzing loop. It owns its executor and mutator outright;
// store, scheduler, pipeline and bus are shared and internally locked.
type worker struct {
	id   int
	exec executor.Executor
	mut  *mutator.Mutator
	log  *logrus.Entry

	orch *Orchestrator

	// lastCmps holds comparison hints from the previous execution, feeding
	// the input-to-state substitution op on the next one.
	lastCmps []mutator.CmpHint
}

// run loops until the context is cancelled, the execution budget is spent,
// or the executor breaks. Only the last case returns an error: a broken
// executor means lost shared memory or an unrunnable target, and restarting
// the loop on top of that would spin.
func (w *worker) run(ctx context.Context) error {
	defer w.exec.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if w.orch.budgetSpent() {
			w.orch.stop()
			return nil
		}

		entry, err := w.orch.sched.Select()
		if err != nil {
			if errors.Is(err, scheduler.ErrEmptyCorpus) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		aux := mutator.Aux{Cmps: w.lastCmps}
		if src := w.orch.sched.SpliceSource(entry); src != nil {
			aux.Splice = src.Input
		}
		cand, ops := w.mut.Mutate(entry.Input, aux)

		res, err := w.exec.Execute(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "worker %d executor", w.id)
		}
		w.orch.counters.Execs.Add(1)
		w.orch.bus.Publish(events.Event{Kind: events.KindExec, Worker: w.id, Count: 1})
		w.lastCmps = cmpHints(res.CmpLog)

		verdict, perr := w.orch.pipeline.Evaluate(cand, res)
		if perr != nil {
			w.orch.counters.IOFailures.Add(1)
			w.orch.bus.Publish(events.Event{Kind: events.KindIOFailure, Worker: w.id})
			w.log.WithError(perr).Warn("artifact write failed")
		}

		switch verdict {
		case feedback.VerdictInteresting:
			w.promote(ctx, entry, cand, ops, res)
		case feedback.VerdictObjective:
			w.recordObjective(cand, res)
		}
	}
}

// promote calibrates a novel input and adds it to the corpus.
func (w *worker) promote(ctx context.Context, parent *corpus.Entry, cand []byte, ops []mutator.Op, first executor.Result) {
	cover, execTime := w.calibrate(ctx, cand, first)

	e := corpus.NewEntry(cand, cover, execTime)
	e.Parent = parent.Hash
	e.Mutation = mutationName(ops)

	_, err := w.orch.store.Add(e)
	switch {
	case errors.Is(err, corpus.ErrRedundant):
		// Another worker got an equivalent entry in first. Nothing lost.
		return
	case err != nil:
		w.orch.counters.IOFailures.Add(1)
		w.orch.bus.Publish(events.Event{Kind: events.KindIOFailure, Worker: w.id})
		w.log.WithError(err).Warn("corpus write failed")
	}
	w.orch.bus.Publish(events.Event{Kind: events.KindNewEntry, Worker: w.id, Hash: e.Hash, Sig: uint64(e.Sig)})
	w.log.WithFields(logrus.Fields{
		"hash":     e.Hash,
		"size":     len(e.Input),
		"mutation": e.Mutation,
	}).Debug("new corpus entry")
}

// calibrate re-executes a novel input a few times, unioning coverage to
// absorb nondeterminism and keeping the fastest run as the entry's cost.
// Coverage seen only on re-runs is folded into the global state too, so a
// later candidate reaching the same flaky bits is not re-declared novel.
func (w *worker) calibrate(ctx context.Context, cand []byte, first executor.Result) (covmap.Snapshot, time.Duration) {
	cover := append(covmap.Snapshot(nil), first.Cover...)
	execTime := first.Elapsed
	for i := 1; i < calibrationRuns; i++ {
		res, err := w.exec.Execute(ctx, cand)
		if err != nil || res.Status != executor.StatusNormal {
			break
		}
		w.orch.counters.Execs.Add(1)
		w.orch.bus.Publish(events.Event{Kind: events.KindExec, Worker: w.id, Count: 1})
		w.orch.pipeline.Cover().Merge(res.Cover)
		for slot, v := range res.Cover {
			if slot < len(cover) {
				cover[slot] |= v
			}
		}
		if res.Elapsed < execTime {
			execTime = res.Elapsed
		}
	}
	return cover, execTime
}

func (w *worker) recordObjective(cand []byte, res executor.Result) {
	w.orch.counters.Objectives.Add(1)
	switch res.Status {
	case executor.StatusCrash:
		w.orch.counters.Crashes.Add(1)
	case executor.StatusTimeout:
		w.orch.counters.Timeouts.Add(1)
	case executor.StatusOOM:
		w.orch.counters.OOMs.Add(1)
	}
	w.orch.bus.Publish(events.Event{
		Kind:   events.KindObjective,
		Worker: w.id,
		Status: res.Status,
		Sig:    feedback.ObjectiveSignature(res),
	})
	w.log.WithFields(logrus.Fields{
		"status": res.Status.String(),
		"signal": res.Signal,
		"size":   len(cand),
	}).Info("new objective")
}

func cmpHints(pairs []executor.CmpPair) []mutator.CmpHint {
	if len(pairs) == 0 {
		return nil
	}
	hints := make([]mutator.CmpHint, len(pairs))
	for i, p := range pairs {
		hints[i] = mutator.CmpHint{A: p.A, B: p.B}
	}
	return hints
}

// mutationName renders an op stack as a compact lineage label.
func mutationName(ops []mutator.Op) string {
	const max = 4
	name := ""
	for i, op := range ops {
		if i == max {
			name += "+..."
			break
		}
		if i > 0 {
			name += "+"
		}
		name += op.String()
	}
	return name
}
