// Package config holds the run configuration shared by the fuzzing
// commands. Values come from flags, optionally overlaid on a YAML file.
package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"alma.local/fuzz/internal/shmem"
)

// Config is the complete run configuration. Zero values are filled in by
// Default; Validate rejects combinations no run can start from.
type Config struct {
	// Target is the instrumented binary to fuzz.
	Target string `mapstructure:"target"`
	// Args are extra target arguments.
	Args []string `mapstructure:"args"`

	// InputDir holds the initial seeds; OutputDir receives corpus/,
	// objectives/ and stats.json.
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`

	// Workers is the number of concurrent fuzzing loops, each with its own
	// target subprocess and coverage region.
	Workers int `mapstructure:"workers"`

	// MapSize is the coverage map size in bytes; must be a power of two.
	MapSize int `mapstructure:"map_size"`
	// MaxInput caps generated input length.
	MaxInput int `mapstructure:"max_input"`

	// TimeBudget bounds one execution; MemBudget bounds target memory.
	TimeBudget time.Duration `mapstructure:"time_budget"`
	MemBudget  uint64        `mapstructure:"mem_budget"`

	// Duration and MaxExecs bound the whole run; zero means unbounded.
	Duration time.Duration `mapstructure:"duration"`
	MaxExecs uint64        `mapstructure:"max_execs"`

	// Persistent keeps the target alive across executions.
	Persistent bool `mapstructure:"persistent"`
	// CmpLog enables comparison-operand capture for targeted mutations.
	CmpLog bool `mapstructure:"cmplog"`

	// Dictionary is an optional token file in AFL dictionary format.
	Dictionary string `mapstructure:"dictionary"`

	// ShmDir hosts the shared-memory regions.
	ShmDir string `mapstructure:"shm_dir"`

	// HTTPAddr, when set, serves /metrics and /stats.
	HTTPAddr string `mapstructure:"http_addr"`

	// Seed fixes the mutation randomness; zero derives one from the clock.
	Seed int64 `mapstructure:"seed"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`
}

// CorpusDir is where retained entries live inside the output directory.
func (c Config) CorpusDir() string { return filepath.Join(c.OutputDir, "corpus") }

// ObjectivesDir is where crash/timeout/OOM artifacts live.
func (c Config) ObjectivesDir() string { return filepath.Join(c.OutputDir, "objectives") }

// StatsPath is the periodically overwritten statistics file.
func (c Config) StatsPath() string { return filepath.Join(c.OutputDir, "stats.json") }

// Default returns the configuration a bare command line starts from.
func Default() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		MapSize:    1 << 16,
		MaxInput:   1 << 20,
		TimeBudget: time.Second,
		MemBudget:  1 << 30,
		ShmDir:     shmem.DefaultDir,
		LogLevel:   "info",
	}
}

// FromFile overlays the YAML file at path onto base. Fields absent from
// the file keep their base values.
func FromFile(base Config, path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return base, errors.Wrapf(err, "read config %s", path)
	}
	cfg := base
	if err := v.Unmarshal(&cfg); err != nil {
		return base, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate reports the first setup error that would prevent a run.
func (c Config) Validate() error {
	if c.Target == "" {
		return errors.New("no target binary given")
	}
	if c.InputDir == "" {
		return errors.New("no input directory given")
	}
	if c.OutputDir == "" {
		return errors.New("no output directory given")
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MapSize <= 0 || c.MapSize&(c.MapSize-1) != 0 {
		return errors.Errorf("map size must be a power of two, got %d", c.MapSize)
	}
	if c.MaxInput < 1 {
		return errors.Errorf("max input must be positive, got %d", c.MaxInput)
	}
	if c.TimeBudget <= 0 {
		return errors.New("time budget must be positive")
	}
	return nil
}
