// corpustool manages corpus directories outside a live run: importing raw
// seeds, exporting a corpus as a directory or zip archive, and offline
// minimization against an instrumented target.
package main

import (
	"archive/zip"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fuzz/corpus"
	"alma.local/fuzz/executor"
	"alma.local/fuzz/internal/shmem"
)

var (
	flagMode   = flag.String("mode", "export", "operation: import, export or minimize")
	flagCorpus = flag.String("corpus", "", "corpus directory to operate on")
	flagSrc    = flag.String("src", "", "seed source directory (import)")
	flagOut    = flag.String("out", "", "destination directory or archive base (export, minimize)")
	flagFormat = flag.String("format", "dir", "export format: dir or zip")
	flagLimit  = flag.Int("limit", 0, "maximum entries to export (<=0 disables the cap)")
	flagForce  = flag.Bool("force", false, "import: overwrite entries that already exist")

	flagTarget     = flag.String("target", "", "instrumented harness binary (minimize)")
	flagMapSize    = flag.Int("map_size", 1<<16, "coverage map size in bytes, power of two")
	flagTimeBudget = flag.Duration("time_budget", time.Second, "per-execution time budget")
	flagShmDir     = flag.String("shm_dir", shmem.DefaultDir, "shared-memory directory")
)

func main() {
	flag.Parse()
	if *flagCorpus == "" {
		log.Fatalf("-corpus is required")
	}

	var err error
	switch *flagMode {
	case "import":
		err = runImport()
	case "export":
		err = runExport()
	case "minimize":
		err = runMinimize()
	default:
		log.Fatalf("unsupported mode %q (expected import, export or minimize)", *flagMode)
	}
	if err != nil {
		log.Fatalf("%s: %v", *flagMode, err)
	}
}

// runImport copies seed files into the corpus under their content address.
func runImport() error {
	if *flagSrc == "" {
		return fmt.Errorf("-src is required")
	}
	seeds, err := corpus.ReadSeedDir(*flagSrc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*flagCorpus, 0o755); err != nil {
		return err
	}

	imported, skipped := 0, 0
	for _, data := range seeds {
		dest := filepath.Join(*flagCorpus, corpus.HashInput(data))
		if _, err := os.Stat(dest); err == nil && !*flagForce {
			skipped++
			continue
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
		imported++
	}
	fmt.Printf("[corpus] imported %d seeds, skipped %d existing\n", imported, skipped)
	return nil
}

func runExport() error {
	if *flagOut == "" {
		return fmt.Errorf("-out is required")
	}
	entries, err := corpus.ReadSeedDir(*flagCorpus)
	if err != nil {
		return err
	}
	if *flagLimit > 0 && len(entries) > *flagLimit {
		entries = entries[:*flagLimit]
	}

	switch *flagFormat {
	case "dir":
		err = emitDir(*flagOut, entries)
	case "zip":
		err = emitZip(*flagOut+".zip", entries)
	default:
		return fmt.Errorf("unsupported format %q (expected dir or zip)", *flagFormat)
	}
	if err != nil {
		return err
	}
	fmt.Printf("[corpus] exported %d entries (%s)\n", len(entries), *flagFormat)
	return nil
}

// runMinimize re-executes every corpus entry and keeps a minimal subset
// preserving the union coverage, written to the -out directory.
func runMinimize() error {
	if *flagTarget == "" || *flagOut == "" {
		return fmt.Errorf("-target and -out are required")
	}
	entries, err := corpus.ReadSeedDir(*flagCorpus)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	exec, err := executor.NewForkExecutor(executor.ForkConfig{
		Target:     *flagTarget,
		Args:       flag.Args(),
		MapSize:    *flagMapSize,
		MaxInput:   maxLen(entries) + 1,
		TimeBudget: *flagTimeBudget,
		ShmDir:     *flagShmDir,
	}, logger.WithField("cmd", "corpustool"))
	if err != nil {
		return err
	}
	defer exec.Close()

	store, err := corpus.NewStore(*flagOut)
	if err != nil {
		return err
	}
	faulting := 0
	for _, data := range entries {
		res, err := exec.Execute(context.Background(), data)
		if err != nil {
			return err
		}
		if res.Status != executor.StatusNormal {
			faulting++
			continue
		}
		if _, err := store.Add(corpus.NewEntry(data, res.Cover, res.Elapsed)); err != nil && !errors.Is(err, corpus.ErrRedundant) {
			return err
		}
	}
	culled := store.Minimize()

	fmt.Printf("[corpus] %d entries in, %d kept, %d culled, %d faulting dropped\n",
		len(entries), store.Len(), culled, faulting)
	return nil
}

func maxLen(entries [][]byte) int {
	n := 0
	for _, e := range entries {
		if len(e) > n {
			n = len(e)
		}
	}
	return n
}

func emitDir(dest string, entries [][]byte) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, data := range entries {
		if err := os.WriteFile(filepath.Join(dest, corpus.HashInput(data)), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func emitZip(path string, entries [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zipw := zip.NewWriter(f)
	for _, data := range entries {
		w, err := zipw.Create(corpus.HashInput(data))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return zipw.Close()
}
