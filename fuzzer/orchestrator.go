// Package fuzzer ties the coverage map, corpus, mutator, scheduler,
// executor and feedback pipeline into a multi-worker fuzzing run.
package fuzzer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"alma.local/fuzz/corpus"
	"alma.local/fuzz/events"
	"alma.local/fuzz/executor"
	"alma.local/fuzz/feedback"
	"alma.local/fuzz/internal/config"
	"alma.local/fuzz/internal/shmem"
	"alma.local/fuzz/internal/stats"
	"alma.local/fuzz/mutator"
	"alma.local/fuzz/scheduler"
)

// ExecutorFactory builds one executor per worker. Workers never share an
// executor: each gets its own target subprocess and coverage region.
type ExecutorFactory func(worker int) (executor.Executor, error)

// Orchestrator owns the shared run state and supervises the workers.
type Orchestrator struct {
	cfg     config.Config
	log     *logrus.Logger
	factory ExecutorFactory

	store    *corpus.Store
	sched    *scheduler.Scheduler
	pipeline *feedback.Pipeline
	bus      *events.Bus
	monitor  *events.Monitor
	writer   *stats.Writer
	counters stats.Counters
	tokens   [][]byte
	seed     int64

	cancel atomic.Pointer[context.CancelFunc]
}

// New wires a run from cfg. Every failure here is a setup failure: nothing
// has executed yet and the process should exit nonzero.
func New(cfg config.Config, log *logrus.Logger, factory ExecutorFactory) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if removed, err := shmem.CleanupStale(cfg.ShmDir); err != nil {
		log.WithError(err).Warn("stale shared-memory cleanup")
	} else if removed > 0 {
		log.WithField("removed", removed).Info("cleaned up stale shared-memory regions")
	}

	store, err := corpus.NewStore(cfg.CorpusDir())
	if err != nil {
		return nil, err
	}
	pipeline, err := feedback.NewPipeline(feedback.NewCover(cfg.MapSize), cfg.ObjectivesDir())
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var tokens [][]byte
	if cfg.Dictionary != "" {
		tokens, err = mutator.LoadTokens(cfg.Dictionary)
		if err != nil {
			return nil, err
		}
		log.WithField("tokens", len(tokens)).Info("dictionary loaded")
	}

	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		factory:  factory,
		store:    store,
		sched:    scheduler.New(store, seed),
		pipeline: pipeline,
		bus:      events.NewBus(4096),
		writer:   stats.NewWriter(cfg.StatsPath(), cfg.Workers),
		tokens:   tokens,
		seed:     seed,
	}
	o.monitor = events.NewMonitor(log, o.snapshot)
	return o, nil
}

// Store exposes the corpus, for the corpus tooling built on top of a run.
func (o *Orchestrator) Store() *corpus.Store { return o.store }

// Run imports the seeds, starts the workers and the hub, and blocks until
// the context is cancelled, the budget is spent, or a worker fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancel.Store(&cancel)

	if err := o.loadSeeds(ctx); err != nil {
		return err
	}

	go o.monitor.Serve(o.cfg.HTTPAddr)
	hubDone := make(chan struct{})
	go o.hub(hubDone)

	workers := make([]*worker, 0, o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		w, err := o.newWorker(i)
		if err != nil {
			for _, started := range workers {
				started.exec.Close()
			}
			cancel()
			o.shutdown(hubDone)
			return err
		}
		workers = append(workers, w)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	o.log.WithFields(logrus.Fields{
		"workers": o.cfg.Workers,
		"seed":    o.seed,
		"corpus":  o.store.Len(),
	}).Info("fuzzing started")

	err := g.Wait()
	cancel()
	o.shutdown(hubDone)
	return err
}

func (o *Orchestrator) newWorker(id int) (*worker, error) {
	exec, err := o.factory(id)
	if err != nil {
		return nil, errors.Wrapf(err, "start worker %d", id)
	}
	mut, err := mutator.New(mutator.Config{
		Seed:    o.seed + int64(id) + 1,
		MaxSize: o.cfg.MaxInput,
		Tokens:  o.tokens,
	})
	if err != nil {
		exec.Close()
		return nil, err
	}
	return &worker{
		id:   id,
		exec: exec,
		mut:  mut,
		log:  o.log.WithField("worker", id),
		orch: o,
	}, nil
}

// loadSeeds runs every file from the input directory through the same
// novelty gate mutated inputs face. Seeds that add nothing are skipped;
// faulting seeds become objectives but never corpus entries.
func (o *Orchestrator) loadSeeds(ctx context.Context) error {
	seeds, err := corpus.ReadSeedDir(o.cfg.InputDir)
	if err != nil {
		return err
	}
	exec, err := o.factory(0)
	if err != nil {
		return errors.Wrap(err, "start seed executor")
	}
	defer exec.Close()

	for _, data := range seeds {
		res, err := exec.Execute(ctx, data)
		if err != nil {
			return errors.Wrap(err, "execute seed")
		}
		o.counters.Execs.Add(1)

		verdict, perr := o.pipeline.Evaluate(data, res)
		if perr != nil {
			o.counters.IOFailures.Add(1)
			o.log.WithError(perr).Warn("seed artifact write failed")
		}
		switch verdict {
		case feedback.VerdictInteresting:
			e := corpus.NewEntry(data, res.Cover, res.Elapsed)
			if _, err := o.store.Add(e); err != nil && !errors.Is(err, corpus.ErrRedundant) {
				o.counters.IOFailures.Add(1)
				o.log.WithError(err).Warn("seed corpus write failed")
			}
		case feedback.VerdictRedundant:
			o.log.WithField("size", len(data)).Debug("seed adds no coverage, skipped")
		case feedback.VerdictObjective, feedback.VerdictDuplicate:
			o.counters.Objectives.Add(1)
			o.log.WithField("status", res.Status.String()).Warn("seed input faults, kept as objective only")
		}
	}

	if o.store.Len() == 0 {
		return errors.Errorf("no usable seeds in %s: corpus is empty", o.cfg.InputDir)
	}
	o.sched.RecomputeFavorites()
	o.log.WithFields(logrus.Fields{
		"seeds":  len(seeds),
		"corpus": o.store.Len(),
	}).Info("seeds imported")
	return nil
}

// hub drains the bus into the monitor and drives the periodic work: stats
// flushes, favor recomputation and corpus minimization.
func (o *Orchestrator) hub(done chan struct{}) {
	defer close(done)
	statsTick := time.NewTicker(time.Second)
	defer statsTick.Stop()
	minimizeTick := time.NewTicker(time.Minute)
	defer minimizeTick.Stop()

	dirty := false
	for {
		select {
		case ev, ok := <-o.bus.Events():
			if !ok {
				o.flushStats()
				return
			}
			o.monitor.Observe(ev)
			if ev.Kind == events.KindNewEntry {
				dirty = true
			}
		case <-statsTick.C:
			if dirty {
				o.sched.RecomputeFavorites()
				dirty = false
			}
			o.flushStats()
		case <-minimizeTick.C:
			if culled := o.store.Minimize(); culled > 0 {
				o.sched.RecomputeFavorites()
				o.log.WithField("culled", culled).Info("corpus minimized")
			}
		}
	}
}

func (o *Orchestrator) flushStats() {
	snap := o.snapshot()
	o.monitor.SetGauges(snap.CorpusSize, snap.CoverageSlots)
	if err := o.writer.Write(snap); err != nil {
		o.counters.IOFailures.Add(1)
		o.log.WithError(err).Warn("stats write failed")
	}
}

func (o *Orchestrator) snapshot() stats.Snapshot {
	return o.writer.Snapshot(&o.counters, o.store.Len(), o.pipeline.Cover().Len())
}

// budgetSpent reports whether the execution budget, if any, is used up.
func (o *Orchestrator) budgetSpent() bool {
	return o.cfg.MaxExecs > 0 && o.counters.Execs.Load() >= o.cfg.MaxExecs
}

// stop cancels the run from inside a worker.
func (o *Orchestrator) stop() {
	if cancel := o.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

// shutdown closes the bus so the hub drains and exits, then writes the
// final stats record and stops the monitor.
func (o *Orchestrator) shutdown(hubDone chan struct{}) {
	o.bus.Close()
	<-hubDone
	o.monitor.Shutdown()
	o.log.WithFields(logrus.Fields{
		"execs":      o.counters.Execs.Load(),
		"corpus":     o.store.Len(),
		"objectives": o.counters.Objectives.Load(),
	}).Info("fuzzing stopped")
}
