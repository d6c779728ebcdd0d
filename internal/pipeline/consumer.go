package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/supervisor"
)

// OutputPlaceholder in a hand-off command's args or env is replaced with the
// persisted dataset path.
const OutputPlaceholder = "{output}"

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, store *record.Store) error

func (f ConsumerFunc) Consume(ctx context.Context, store *record.Store) error { return f(ctx, store) }

// LogConsumer logs a per-epoch and per-category summary of the dataset.
type LogConsumer struct {
	Log *slog.Logger
}

func (c LogConsumer) Consume(_ context.Context, store *record.Store) error {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	recs := store.Records()
	epochs := map[int]int{}
	categories := map[string]int{}
	for _, r := range recs {
		epochs[r.Epoch]++
		categories[r.Category]++
	}
	log.Info("dataset ready", "path", store.Path(), "records", len(recs), "epochs", len(epochs))
	keys := make([]int, 0, len(epochs))
	for e := range epochs {
		keys = append(keys, e)
	}
	sort.Ints(keys)
	for _, e := range keys {
		log.Info("epoch summary", "epoch", e, "records", epochs[e])
	}
	names := make([]string, 0, len(categories))
	for k := range categories {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		log.Debug("category summary", "category", k, "records", categories[k])
	}
	return nil
}

// CommandConsumer runs a downstream command through the supervisor and
// waits for it. A non-zero exit fails the hand-off.
type CommandConsumer struct {
	Supervisor *supervisor.Supervisor
	Spec       supervisor.Spec
}

func (c CommandConsumer) Consume(ctx context.Context, store *record.Store) error {
	if c.Supervisor == nil {
		return fmt.Errorf("command consumer %s: no supervisor", c.Spec.Command)
	}
	spec := c.Spec
	spec.Args = expand(spec.Args, store.Path())
	spec.Env = expand(spec.Env, store.Path())
	p, err := c.Supervisor.Launch(spec)
	if err != nil {
		return err
	}
	_, err = c.Supervisor.Await(ctx, p)
	if ctx.Err() != nil {
		if terr := c.Supervisor.Terminate(p); terr != nil {
			return fmt.Errorf("%w (terminate: %v)", err, terr)
		}
	}
	return err
}

func expand(in []string, output string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ReplaceAll(s, OutputPlaceholder, output)
	}
	return out
}
