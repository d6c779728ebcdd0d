package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/loykin/evolset"
)

func runPipeline(ctx context.Context, flags *RunFlags, w io.Writer) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required for run command. Use --config=evolset.toml or provide as argument")
	}
	cfg, err := evolset.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	app, err := evolset.NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := app.Run(ctx)
	if res != nil {
		if flags.JSON {
			printJSON(w, res)
		} else {
			printResult(w, res)
		}
	}
	return runErr
}

func printResult(w io.Writer, res *evolset.Result) {
	_, _ = fmt.Fprintf(w, "run:     %s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "output:  %s\n", res.Output)
	_, _ = fmt.Fprintf(w, "records: %d\n", res.Records)
	_, _ = fmt.Fprintf(w, "saves:   %d\n", res.Saves)
	if !res.LastCheckpoint.IsZero() {
		_, _ = fmt.Fprintf(w, "last checkpoint: %s\n", res.LastCheckpoint.Format(time.RFC3339))
	}
	for _, t := range res.Tasks {
		_, _ = fmt.Fprintf(w, "task %s: %s (code %d)\n", t.Name, t.Status.State, t.Status.Code)
	}
}

func runInspect(ctx context.Context, flags *InspectFlags, args []string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.History != "" {
		events, err := evolset.ListHistory(ctx, flags.History, flags.RunID)
		if err != nil {
			return err
		}
		if flags.JSON {
			printJSON(w, events)
			return nil
		}
		for _, e := range events {
			line := fmt.Sprintf("%s %-10s run=%s name=%s", e.OccurredAt.Format(time.RFC3339), e.Type, e.RunID, e.Name)
			if e.PID != 0 {
				line += fmt.Sprintf(" pid=%d exit=%d", e.PID, e.ExitCode)
			}
			if e.Count != 0 {
				line += fmt.Sprintf(" count=%d", e.Count)
			}
			if e.Detail != "" {
				line += " detail=" + e.Detail
			}
			if e.Error != "" {
				line += " error=" + e.Error
			}
			_, _ = fmt.Fprintln(w, line)
		}
		return nil
	}
	if len(args) == 0 {
		return errors.New("dataset file required. Usage: evolset inspect <dataset.json> or --history <dsn>")
	}
	sum, err := evolset.Inspect(args[0])
	if err != nil {
		return err
	}
	if flags.JSON {
		printJSON(w, sum)
		return nil
	}
	_, _ = fmt.Fprintf(w, "path:    %s\n", sum.Path)
	_, _ = fmt.Fprintf(w, "records: %d\n", sum.Records)
	for _, e := range sum.SortedEpochs() {
		_, _ = fmt.Fprintf(w, "epoch %d: %d\n", e, sum.Epochs[e])
	}
	printCounts(w, "categories", sum.Categories)
	printCounts(w, "strategies", sum.Strategies)
	return nil
}

func printCounts(w io.Writer, title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_, _ = fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		name := k
		if name == "" {
			name = "(empty)"
		}
		_, _ = fmt.Fprintf(w, "  %s: %d\n", name, m[k])
	}
}

func runDemo(ctx context.Context, flags *DemoFlags, w io.Writer) error {
	if flags.Out == "" {
		return errors.New("--out is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := evolset.Demo(ctx, flags.Out, nil)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "wrote %d records to %s (%d saves)\n", s.Len(), s.Path(), s.Saves())
	return nil
}
