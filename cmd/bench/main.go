package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/core"
)

func main() {
	count := flag.Int("count", 1000, "Number of entities to create")
	driver := flag.String("driver", tillage.DriverFS, "Storage driver: fs, memory or sqlite")
	keep := flag.Bool("keep", false, "Keep the benchmark directory after running")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	benchDir, err := os.MkdirTemp("", "tillage_bench_")
	if err != nil {
		fatal("create bench dir", err)
	}
	defer func() {
		if !*keep {
			os.RemoveAll(benchDir)
		} else {
			fmt.Printf("Keeping bench dir: %s\n", benchDir)
		}
	}()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	uri := benchDir
	if *driver == tillage.DriverSQLite {
		uri = "file:" + filepath.Join(benchDir, "bench.db") + "?_pragma=journal_mode(WAL)"
	}
	open := func() *tillage.App {
		// Gitless keeps the run about storage and validation, not git.
		app, err := tillage.New(context.Background(), uri,
			tillage.WithAdapter(*driver),
			tillage.WithAutoInit(true),
			tillage.WithVersioning(false),
			tillage.WithLogger(logger),
			tillage.WithRules("item", core.Rules{"title": "required,min=3", "rank": "expr: value >= 0"}),
		)
		if err != nil {
			fatal("open", err)
		}
		return app
	}

	ctx := context.Background()
	app := open()
	svc, err := app.Service(ctx, "item")
	if err != nil {
		fatal("build service", err)
	}

	var created int
	unsubscribe, err := app.Bus.Subscribe("item", func(context.Context, core.Event) error {
		created++
		return nil
	}, core.EventCreated)
	if err != nil {
		fatal("subscribe", err)
	}

	fmt.Printf("Creating %d entities with the %s driver...\n", *count, *driver)
	startCreate := time.Now()
	for i := range *count {
		_, err := svc.Create(ctx, core.Attributes{"title": fmt.Sprintf("Item %d", i), "rank": i})
		if err != nil {
			fatal("create", err)
		}
	}
	createDuration := time.Since(startCreate)
	unsubscribe()

	list := func(app *tillage.App) (time.Duration, int) {
		svc, err := app.Service(ctx, "item")
		if err != nil {
			fatal("build service", err)
		}
		finder, ok := svc.Repository().(core.Finder)
		if !ok {
			fatal("list", fmt.Errorf("%s storage cannot list", *driver))
		}
		start := time.Now()
		items, err := finder.List(ctx)
		if err != nil {
			fatal("list", err)
		}
		return time.Since(start), len(items)
	}

	listDuration, n := list(app)
	_ = app.Close()

	// A fresh application measures what a new CLI invocation pays.
	var reopenDuration time.Duration
	if *driver != tillage.DriverMemory {
		app2 := open()
		reopenDuration, _ = list(app2)
		_ = app2.Close()
	}

	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d entities, %s):\n", *count, *driver)
	fmt.Printf("  Create: %v (%v/op, %d events)\n", createDuration, createDuration/time.Duration(max(*count, 1)), created)
	fmt.Printf("  List:   %v (items: %d)\n", listDuration, n)
	if reopenDuration > 0 {
		fmt.Printf("  Reopen: %v\n", reopenDuration)
	}
	fmt.Printf("--------------------------------------------------\n")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
