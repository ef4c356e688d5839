package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

func TestRunBatchPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	results := RunBatch(context.Background(), items, BatchOptions{Workers: 3, BatchSize: 2},
		func(ctx context.Context, n int) (int, error) { return n * n, nil })

	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.OK())
		assert.Equal(t, items[i]*items[i], r.Value)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	items := []string{"a", "bad", "c", "panic"}
	results := RunBatch(context.Background(), items, BatchOptions{Workers: 2, BatchSize: 10},
		func(ctx context.Context, s string) (string, error) {
			switch s {
			case "bad":
				return "", errors.New("bad item")
			case "panic":
				panic("item exploded")
			}
			return s + "!", nil
		})

	values, failed := Values(results)
	assert.Equal(t, []string{"a!", "c!"}, values)
	assert.Equal(t, []int{1, 3}, failed)
	assert.EqualError(t, results[1].Err, "bad item")
	assert.Contains(t, results[3].Err.Error(), "item exploded")
}

func TestRunBatchRespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 40)

	RunBatch(context.Background(), items, BatchOptions{Workers: 3, BatchSize: 8},
		func(ctx context.Context, _ int) (struct{}, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			inFlight.Add(-1)
			return struct{}{}, nil
		})

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	results := RunBatch(ctx, []int{1, 2, 3}, BatchOptions{}, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	})

	assert.Zero(t, calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRunBatchEmpty(t *testing.T) {
	results := RunBatch(context.Background(), []int(nil), BatchOptions{}, func(ctx context.Context, n int) (int, error) {
		return n, nil
	})
	assert.Empty(t, results)
}

func TestBatchOptionsDefaults(t *testing.T) {
	assert.Equal(t, BatchOptions{Workers: DefaultBatchWorkers, BatchSize: DefaultBatchSize}, BatchFrom(context.Background()))
	ctx := WithBatchOptions(context.Background(), BatchOptions{Workers: 8})
	assert.Equal(t, BatchOptions{Workers: 8, BatchSize: DefaultBatchSize}, BatchFrom(ctx))
}

func TestBatchProgressMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "items")
		workers := rapid.IntRange(1, 8).Draw(t, "workers")
		size := rapid.IntRange(1, 12).Draw(t, "batch")

		var mu sync.Mutex
		var seen []int
		ctx := withReporter(context.Background(), ReporterFunc(func(_ context.Context, completed, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != n {
				t.Fatalf("total %d, want %d", total, n)
			}
			seen = append(seen, completed)
		}))

		RunBatch(ctx, make([]int, n), BatchOptions{Workers: workers, BatchSize: size},
			func(ctx context.Context, _ int) (int, error) { return 0, nil })

		if len(seen) != n {
			t.Fatalf("got %d reports, want %d", len(seen), n)
		}
		for i, c := range seen {
			if c != i+1 {
				t.Fatalf("report %d was %d", i, c)
			}
		}
	})
}

// A batch stage run through the envelope publishes fractional progress on
// the bus between its Running and Completed events.
func TestBatchStageThroughEnvelope(t *testing.T) {
	env, bus, rec := newEnvelopeFixture()
	st := New("rules", func(ctx context.Context, v record.View) Outcome {
		rules := []string{"r1", "r2", "r3", "r4"}
		results := RunBatch(ctx, rules, BatchFrom(ctx), func(ctx context.Context, r string) (string, error) {
			return fmt.Sprintf("%s:ok", r), nil
		})
		values, _ := Values(results)
		return Success(record.Update{"rule_results": values})
	}, WithBatch(BatchOptions{Workers: 2, BatchSize: 2}))

	_, err := env.Execute(context.Background(), st, rec)
	require.NoError(t, err)

	events := bus.History()
	require.Len(t, events, 6)
	assert.Equal(t, commbus.StageStatusRunning, events[0].Status())
	last := -1.0
	for _, e := range events[1:5] {
		assert.Equal(t, commbus.StageStatusRunning, e.Status())
		p, ok := e.Progress()
		require.True(t, ok)
		assert.Greater(t, p, last)
		last = p
	}
	assert.Equal(t, 1.0, last)
	assert.Equal(t, commbus.StageStatusCompleted, events[5].Status())
	assert.Equal(t, []string{"r1:ok", "r2:ok", "r3:ok", "r4:ok"}, rec.Strings("rule_results"))
}
