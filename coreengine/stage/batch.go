package stage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
)

// Default batch sizing when a stage carries no options.
const (
	DefaultBatchWorkers = 4
	DefaultBatchSize    = 10
)

// BatchOptions sizes the worker pool of a batch sub-stage. Items are taken
// BatchSize at a time; within a batch at most Workers run concurrently.
type BatchOptions struct {
	Workers   int
	BatchSize int
}

func (o BatchOptions) normalized() BatchOptions {
	if o.Workers < 1 {
		o.Workers = DefaultBatchWorkers
	}
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// BatchResult is the outcome for one item, at the item's input position.
type BatchResult[T any] struct {
	Index int
	Value T
	Err   error
}

// OK reports whether the item succeeded.
func (r BatchResult[T]) OK() bool { return r.Err == nil }

// Reporter receives per-item progress from RunBatch.
type Reporter interface {
	Report(ctx context.Context, completed, total int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, completed, total int)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, completed, total int) { f(ctx, completed, total) }

type ctxKey int

const (
	reporterKey ctxKey = iota
	batchOptionsKey
	stageNameKey
)

func withReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey, r)
}

// ReporterFrom returns the reporter installed by the envelope, or nil.
func ReporterFrom(ctx context.Context) Reporter {
	r, _ := ctx.Value(reporterKey).(Reporter)
	return r
}

// WithBatchOptions attaches batch options to ctx.
func WithBatchOptions(ctx context.Context, opts BatchOptions) context.Context {
	return context.WithValue(ctx, batchOptionsKey, opts.normalized())
}

// BatchFrom returns the batch options on ctx, or the defaults.
func BatchFrom(ctx context.Context) BatchOptions {
	if o, ok := ctx.Value(batchOptionsKey).(BatchOptions); ok {
		return o
	}
	return BatchOptions{}.normalized()
}

// busReporter publishes Running events with fractional progress.
type busReporter struct {
	bus   commbus.Publisher
	runID string
	stage string
}

func newBusReporter(bus commbus.Publisher, runID, stageName string) *busReporter {
	return &busReporter{bus: bus, runID: runID, stage: stageName}
}

func (r *busReporter) Report(ctx context.Context, completed, total int) {
	progress := 1.0
	if total > 0 {
		progress = float64(completed) / float64(total)
	}
	_ = r.bus.Publish(ctx, commbus.NewProgressEvent(r.runID, r.stage, commbus.StageStatusRunning,
		fmt.Sprintf("Processed %d/%d items", completed, total),
		commbus.WithProgress(progress),
		commbus.WithDetails(map[string]any{"completed": completed, "total": total}),
	))
}

// RunBatch applies fn to every item on a bounded worker pool and blocks until
// all items finished. A failing or panicking item records its error in its
// own result and never aborts the batch. Items not started before ctx is
// cancelled get ctx.Err().
//
// Progress is reported to the envelope's reporter (if any) once per completed
// item, with completed counts strictly increasing.
func RunBatch[I, O any](ctx context.Context, items []I, opts BatchOptions, fn func(ctx context.Context, item I) (O, error)) []BatchResult[O] {
	opts = opts.normalized()
	results := make([]BatchResult[O], len(items))
	total := len(items)
	reporter := ReporterFrom(ctx)
	stageName, _ := ctx.Value(stageNameKey).(string)

	var mu sync.Mutex
	completed := 0
	finish := func(i int, value O, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = BatchResult[O]{Index: i, Value: value, Err: err}
		completed++
		if stageName != "" {
			status := "success"
			if err != nil {
				status = "error"
			}
			observability.RecordBatchItem(stageName, status)
		}
		if reporter != nil {
			reporter.Report(ctx, completed, total)
		}
	}

	for start := 0; start < total; start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > total {
			end = total
		}

		var g errgroup.Group
		g.SetLimit(opts.Workers)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					var zero O
					finish(i, zero, err)
					return nil
				}
				value, err := recovery.SafeExecuteWithResult(nil, fmt.Sprintf("batch item %d", i), func() (O, error) {
					return fn(ctx, items[i])
				})
				finish(i, value, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	return results
}

// Values returns the successful values in input order, and the failed
// indexes.
func Values[T any](results []BatchResult[T]) (values []T, failed []int) {
	values = make([]T, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Index)
			continue
		}
		values = append(values, r.Value)
	}
	return values, failed
}
