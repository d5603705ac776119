package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	c := Default()
	c.Target = "/bin/true"
	c.InputDir = "in"
	c.OutputDir = "out"
	return c
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing target", func(c *Config) { c.Target = "" }},
		{"missing input dir", func(c *Config) { c.InputDir = "" }},
		{"missing output dir", func(c *Config) { c.OutputDir = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"map size not power of two", func(c *Config) { c.MapSize = 1000 }},
		{"zero max input", func(c *Config) { c.MaxInput = 0 }},
		{"zero time budget", func(c *Config) { c.TimeBudget = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestFromFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzz.yaml")
	err := os.WriteFile(path, []byte(
		"workers: 3\ntime_budget: 250ms\npersistent: true\nlog_level: debug\n",
	), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	base := validConfig()
	cfg, err := FromFile(base, path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}

	if cfg.Workers != 3 || cfg.TimeBudget != 250*time.Millisecond || !cfg.Persistent || cfg.LogLevel != "debug" {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	// Fields absent from the file keep their base values.
	if cfg.Target != base.Target || cfg.MapSize != base.MapSize {
		t.Errorf("base values clobbered: %+v", cfg)
	}
}

func TestFromFileMissing(t *testing.T) {
	if _, err := FromFile(Default(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file accepted")
	}
}
