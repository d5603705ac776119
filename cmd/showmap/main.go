// showmap executes a single input against an instrumented target and
// prints the coverage it produced, for triaging corpus entries and
// objective artifacts by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"alma.local/fuzz/executor"
	"alma.local/fuzz/internal/shmem"
)

var (
	flagTarget     = flag.String("target", "", "instrumented harness binary")
	flagInput      = flag.String("input", "", "input file to execute")
	flagMapSize    = flag.Int("map_size", 1<<16, "coverage map size in bytes, power of two")
	flagTimeBudget = flag.Duration("time_budget", time.Second, "execution time budget")
	flagShmDir     = flag.String("shm_dir", shmem.DefaultDir, "shared-memory directory")
	flagSlots      = flag.Bool("slots", false, "also list every hit slot and its bucket")
)

func main() {
	flag.Parse()
	if *flagTarget == "" || *flagInput == "" {
		log.Fatalf("both -target and -input are required")
	}

	data, err := os.ReadFile(*flagInput)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	exec, err := executor.NewForkExecutor(executor.ForkConfig{
		Target:     *flagTarget,
		Args:       flag.Args(),
		MapSize:    *flagMapSize,
		MaxInput:   len(data) + 1,
		TimeBudget: *flagTimeBudget,
		ShmDir:     *flagShmDir,
	}, logger.WithField("cmd", "showmap"))
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer exec.Close()

	res, err := exec.Execute(context.Background(), data)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	fmt.Printf("status:    %s\n", res.Status)
	if res.Signal != 0 {
		fmt.Printf("signal:    %d\n", res.Signal)
	}
	fmt.Printf("elapsed:   %v\n", res.Elapsed)
	fmt.Printf("slots hit: %d / %d\n", res.Cover.CountBits(), len(res.Cover))
	fmt.Printf("signature: %s\n", res.Cover.Signature())

	if *flagSlots {
		for slot, bucket := range res.Cover {
			if bucket != 0 {
				fmt.Printf("%06d: %3d\n", slot, bucket)
			}
		}
	}

	if res.Status != executor.StatusNormal {
		os.Exit(2)
	}
}
