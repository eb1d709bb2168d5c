package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/fragmenta"
	"github.com/aretw0/fragmenta/pkg/core"
)

func main() {
	count := flag.Int("count", 1000, "Number of members to append")
	pageSize := flag.Int("page-size", 50, "Members per bucket")
	adapter := flag.String("adapter", "fs", "Storage adapter (fs, memory, redis, dynamodb)")
	uri := flag.String("uri", "", "Adapter URI (default: a temporary directory for fs)")
	keep := flag.Bool("keep", false, "Keep the benchmark directory after running")
	flag.Parse()

	target := *uri
	if target == "" && *adapter == "fs" {
		dir, err := os.MkdirTemp("", "fragmenta_bench_")
		if err != nil {
			panic(err)
		}
		defer func() {
			if !*keep {
				os.RemoveAll(dir)
			} else {
				fmt.Printf("Keeping bench dir: %s\n", dir)
			}
		}()
		target = dir
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []fragmenta.Option{
		fragmenta.WithAdapter(*adapter),
		fragmenta.WithLogger(logger),
		fragmenta.WithStream(fmt.Sprintf("bench-%d", time.Now().UnixNano())),
		fragmenta.WithTimestampPath("observedAt"),
		fragmenta.WithPageSize(*pageSize),
	}

	ctx := context.Background()
	backend, err := fragmenta.Init(ctx, target, opts...)
	if err != nil {
		panic(err)
	}
	defer backend.Close()
	engine, err := fragmenta.NewEngine(backend, opts...)
	if err != nil {
		panic(err)
	}

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := engine.Bootstrap(ctx, core.BootstrapConfig{Description: "benchmark", Start: start}); err != nil {
		panic(err)
	}

	// 1. Appends
	fmt.Printf("Appending %d members (page size %d) on %s...\n", *count, *pageSize, backend.Name)
	startAppend := time.Now()
	for i := 0; i < *count; i++ {
		at := start.Add(time.Duration(i+1) * time.Second)
		payload := fmt.Sprintf(`{"id":"obs-%d","observedAt":%q,"value":%d}`, i, core.FormatInstant(at), i)
		if err := engine.Append(ctx, core.Member{ID: fmt.Sprintf("obs-%d", i), Payload: []byte(payload)}); err != nil {
			panic(err)
		}
	}
	appendTook := time.Since(startAppend)

	// 2. Most recent bucket lookups, cold then warm
	lookup := func() time.Duration {
		b, err := fragmenta.Init(ctx, target, opts...)
		if err != nil {
			panic(err)
		}
		defer b.Close()
		e, err := fragmenta.NewEngine(b, opts...)
		if err != nil {
			panic(err)
		}
		t0 := time.Now()
		if _, err := e.MostRecentBucket(ctx); err != nil {
			panic(err)
		}
		return time.Since(t0)
	}
	// A fresh memory store is empty, so only persistent adapters are reopened.
	var cold, warm time.Duration
	if backend.Name != "memory" {
		cold = lookup()
		warm = lookup()
	}

	state := engine.State().(core.EngineState)
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d members, %d splits):\n", state.Appended, state.Splits)
	fmt.Printf("  Append: %v (%.0f/s)\n", appendTook, float64(*count)/appendTook.Seconds())
	fmt.Printf("  Most recent (cold): %v\n", cold)
	fmt.Printf("  Most recent (warm): %v\n", warm)
	fmt.Printf("--------------------------------------------------\n")
}
