// Package runs tracks concurrent graph runs that share one progress bus.
//
// The Manager:
//   - starts each run on its own goroutine with a fresh run ID
//   - demultiplexes the shared bus by run ID
//   - keeps the last N events of every run for polling clients
//   - lets watchers replay recent events and then follow live ones
//   - holds the final record once a run finishes
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
)

// DefaultRecentEvents is the per-run event window when none is configured.
const DefaultRecentEvents = 10

// watchBuffer is the channel capacity handed to each watcher.
const watchBuffer = 64

var (
	// ErrUnknownPipeline is returned by Start for an unregistered pipeline.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrTooManyRuns is returned by Start when the active-run limit is hit.
	ErrTooManyRuns = errors.New("too many active runs")
	// ErrShuttingDown is returned by Start after Shutdown was called.
	ErrShuttingDown = errors.New("run manager is shutting down")
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a point-in-time view of one run.
type Snapshot struct {
	RunID        string
	Pipeline     string
	Status       record.RunStatus
	Outcome      graph.Outcome
	CurrentStage string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Recent       []commbus.ProgressEvent
	// Record is a clone of the final record; nil while running.
	Record *record.Record
	Err    error
}

// Done reports whether the run finished.
func (s Snapshot) Done() bool { return s.Status.IsFinished() }

// =============================================================================
// Run
// =============================================================================

type run struct {
	id       string
	pipeline string
	started  time.Time
	finished *time.Time

	status  record.RunStatus
	current string
	recent  []commbus.ProgressEvent
	limit   int

	result   *graph.Result
	err      error
	watchers map[int]chan commbus.ProgressEvent
	nextW    int

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func (r *run) observe(_ context.Context, event commbus.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent = append(r.recent, event)
	if over := len(r.recent) - r.limit; over > 0 {
		r.recent = append(r.recent[:0:0], r.recent[over:]...)
	}
	if event.Status() == commbus.StageStatusRunning {
		r.current = event.Stage()
	}
	for id, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// A stalled watcher loses its stream rather than stalling the run.
			close(ch)
			delete(r.watchers, id)
		}
	}
	return nil
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		RunID:        r.id,
		Pipeline:     r.pipeline,
		Status:       r.status,
		CurrentStage: r.current,
		StartedAt:    r.started,
		Recent:       append([]commbus.ProgressEvent(nil), r.recent...),
		Err:          r.err,
	}
	if r.finished != nil {
		t := *r.finished
		s.FinishedAt = &t
	}
	if r.result != nil {
		s.Outcome = r.result.Outcome
		if r.result.Record != nil {
			s.Record = r.result.Record.Clone()
			s.CurrentStage = r.result.Record.CurrentStage()
		}
	}
	return s
}

func (r *run) finish(res *graph.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.finished = &now
	r.result = res
	r.err = err
	switch {
	case res != nil && res.Record != nil && res.Record.Status().IsFinished():
		r.status = res.Record.Status()
	default:
		r.status = record.RunStatusFailed
	}
	for id, ch := range r.watchers {
		close(ch)
		delete(r.watchers, id)
	}
	close(r.done)
}

// =============================================================================
// Manager
// =============================================================================

// Manager starts and tracks runs.
type Manager struct {
	bus       commbus.Bus
	logger    logging.Logger
	executors map[string]*graph.Executor
	execOpts  []graph.Option
	runs      map[string]*run
	recent    int
	maxActive int
	active    int
	closed    bool
	wg        sync.WaitGroup
	mu        sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithRecentEvents sets how many events each run keeps.
func WithRecentEvents(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.recent = n
		}
	}
}

// WithMaxActive limits concurrently running runs; 0 means unlimited.
func WithMaxActive(n int) Option {
	return func(m *Manager) { m.maxActive = n }
}

// WithCheckpoints saves every run's record through c.
func WithCheckpoints(c graph.Checkpointer) Option {
	return func(m *Manager) {
		if c != nil {
			m.execOpts = append(m.execOpts, graph.WithCheckpoints(c))
		}
	}
}

// NewManager creates a manager publishing to bus. A nil bus gets a private
// ProgressBus.
func NewManager(bus commbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		bus:       bus,
		logger:    logging.Nop(),
		executors: make(map[string]*graph.Executor),
		runs:      make(map[string]*run),
		recent:    DefaultRecentEvents,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = commbus.NewProgressBus(m.logger)
	}
	return m
}

// Bus returns the shared bus.
func (m *Manager) Bus() commbus.Bus { return m.bus }

// Register makes a compiled graph startable under its name. Registering a
// name again replaces the previous graph for future runs.
func (m *Manager) Register(g *graph.Graph) {
	opts := append([]graph.Option{graph.WithBus(m.bus), graph.WithLogger(m.logger)}, m.execOpts...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[g.Name()] = graph.NewExecutor(g, opts...)
}

// Pipelines returns registered pipeline names, sorted.
func (m *Manager) Pipelines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.executors))
	for name := range m.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches a run of pipeline seeded with data and returns its run ID.
// The run is detached from ctx's cancellation but keeps its values; use
// Cancel or Shutdown to stop it.
func (m *Manager) Start(ctx context.Context, pipeline string, seed map[string]any) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	exec, ok := m.executors[pipeline]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownPipeline, pipeline)
	}
	if m.maxActive > 0 && m.active >= m.maxActive {
		m.mu.Unlock()
		return "", ErrTooManyRuns
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:       id,
		pipeline: pipeline,
		started:  time.Now().UTC(),
		status:   record.RunStatusRunning,
		limit:    m.recent,
		watchers: make(map[int]chan commbus.ProgressEvent),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.runs[id] = r
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	unregister := m.bus.Register(commbus.RunFilter(id, r.observe))
	rec := record.New(seed, record.WithRunID(id), record.WithPipeline(pipeline))
	log := m.logger.Bind("run_id", id, "pipeline", pipeline)
	log.Info("run_started")

	go func() {
		defer m.wg.Done()
		defer cancel()

		res, err := recovery.SafeExecuteWithResult(log, "run:"+pipeline, func() (*graph.Result, error) {
			return exec.Run(runCtx, rec)
		})
		if res == nil {
			if !rec.Status().IsFinished() {
				rec.Finish(record.RunStatusFailed)
			}
			res = &graph.Result{Record: rec, Outcome: graph.OutcomeFromStatus(rec.Status()), Err: err}
		}
		unregister()
		r.finish(res, err)

		m.mu.Lock()
		m.active--
		m.mu.Unlock()

		if err != nil {
			log.Warn("run_finished_with_error", "status", string(rec.Status()), "error", err.Error())
		} else {
			log.Info("run_finished", "status", string(rec.Status()), "outcome", string(res.Outcome))
		}
	}()
	return id, nil
}

func (m *Manager) lookup(runID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// Get returns the current snapshot of a run.
func (m *Manager) Get(runID string) (Snapshot, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (Snapshot, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Watch returns the run's recent events and a channel of the events that
// follow them. The channel closes when the run finishes, when stop is
// called, or when the watcher falls more than its buffer behind. For a
// finished run the channel is already closed.
func (m *Manager) Watch(runID string) (recent []commbus.ProgressEvent, events <-chan commbus.ProgressEvent, stop func(), err error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recent = append([]commbus.ProgressEvent(nil), r.recent...)
	ch := make(chan commbus.ProgressEvent, watchBuffer)
	if r.finished != nil {
		close(ch)
		return recent, ch, func() {}, nil
	}

	id := r.nextW
	r.nextW++
	r.watchers[id] = ch
	stop = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if w, ok := r.watchers[id]; ok {
			close(w)
			delete(r.watchers, id)
		}
	}
	return recent, ch, stop, nil
}

// Cancel stops a running run. The run finishes as failed with a
// cancellation entry in its error trail.
func (m *Manager) Cancel(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// List returns snapshots of every tracked run, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		all = append(all, r)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(all))
	for i, r := range all {
		out[i] = r.snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Active returns the number of runs still executing.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Forget drops a finished run and its bus history. Running runs are kept.
func (m *Manager) Forget(runID string) bool {
	m.mu.Lock()
	r, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	select {
	case <-r.done:
		delete(m.runs, runID)
	default:
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	m.bus.PruneRun(runID)
	return true
}

// Shutdown refuses new runs, cancels active ones, and waits for them until
// ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, r := range m.runs {
		r.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
