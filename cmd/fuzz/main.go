package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"alma.local/fuzz/executor"
	"alma.local/fuzz/fuzzer"
	"alma.local/fuzz/internal/config"
)

var (
	flagTarget     = flag.String("target", "", "instrumented harness binary to fuzz")
	flagIn         = flag.String("in", "", "directory of seed inputs")
	flagOut        = flag.String("out", "", "output directory (corpus/, objectives/, stats.json)")
	flagConfig     = flag.String("config", "", "optional YAML config file; flags win over file values")
	flagWorkers    = flag.Int("workers", 0, "concurrent fuzzing workers (default: all CPUs)")
	flagMapSize    = flag.Int("map_size", 0, "coverage map size in bytes, power of two")
	flagMaxInput   = flag.Int("max_input", 0, "maximum generated input size in bytes")
	flagTimeBudget = flag.Duration("time_budget", 0, "per-execution time budget")
	flagMemBudget  = flag.Uint64("mem_budget", 0, "per-execution memory budget in bytes")
	flagDuration   = flag.Duration("duration", 0, "total run duration, 0 runs until interrupted")
	flagMaxExecs   = flag.Uint64("max_execs", 0, "total execution budget, 0 is unbounded")
	flagPersistent = flag.Bool("persistent", false, "keep one target process alive across executions")
	flagCmpLog     = flag.Bool("cmplog", false, "harvest comparison operands for targeted mutations")
	flagDict       = flag.String("dict", "", "AFL-style dictionary file")
	flagShmDir     = flag.String("shm_dir", "", "shared-memory directory (default /dev/shm)")
	flagHTTP       = flag.String("http", "", "serve /metrics and /stats on this address")
	flagSeed       = flag.Int64("seed", 0, "mutation RNG seed, 0 derives one from the clock")
	flagLogLevel   = flag.String("log_level", "", "log level: debug, info, warn, error")
	flagLogJSON    = flag.Bool("log_json", false, "emit logs as JSON")
	flagMemProfile = flag.Bool("memprofile", false, "write a memory profile into the output directory")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		cfg, err = config.FromFile(cfg, *flagConfig)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	applyFlags(&cfg)
	cfg.Args = flag.Args()

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("bad log level %q: %v", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	if *flagLogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if *flagMemProfile {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(cfg.OutputDir)).Stop()
	}

	orch, err := fuzzer.New(cfg, logger, forkFactory(cfg, logger))
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		logger.WithError(err).Error("run failed")
		os.Exit(1)
	}
}

// applyFlags overlays explicitly set flags onto cfg, so the command line
// beats the config file.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "target":
			cfg.Target = *flagTarget
		case "in":
			cfg.InputDir = *flagIn
		case "out":
			cfg.OutputDir = *flagOut
		case "workers":
			cfg.Workers = *flagWorkers
		case "map_size":
			cfg.MapSize = *flagMapSize
		case "max_input":
			cfg.MaxInput = *flagMaxInput
		case "time_budget":
			cfg.TimeBudget = *flagTimeBudget
		case "mem_budget":
			cfg.MemBudget = *flagMemBudget
		case "duration":
			cfg.Duration = *flagDuration
		case "max_execs":
			cfg.MaxExecs = *flagMaxExecs
		case "persistent":
			cfg.Persistent = *flagPersistent
		case "cmplog":
			cfg.CmpLog = *flagCmpLog
		case "dict":
			cfg.Dictionary = *flagDict
		case "shm_dir":
			cfg.ShmDir = *flagShmDir
		case "http":
			cfg.HTTPAddr = *flagHTTP
		case "seed":
			cfg.Seed = *flagSeed
		case "log_level":
			cfg.LogLevel = strings.ToLower(*flagLogLevel)
		}
	})
}

func forkFactory(cfg config.Config, logger *logrus.Logger) fuzzer.ExecutorFactory {
	return func(worker int) (executor.Executor, error) {
		return executor.NewForkExecutor(executor.ForkConfig{
			Target:     cfg.Target,
			Args:       cfg.Args,
			Persistent: cfg.Persistent,
			MapSize:    cfg.MapSize,
			MaxInput:   cfg.MaxInput,
			TimeBudget: cfg.TimeBudget,
			MemBudget:  cfg.MemBudget,
			ShmDir:     cfg.ShmDir,
			CmpLog:     cfg.CmpLog,
		}, logger.WithField("worker", worker))
	}
}
