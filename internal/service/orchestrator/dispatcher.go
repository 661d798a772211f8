package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/telemetry"
)

// ErrRunActive is returned when a run for the same (workspace, task, role)
// is still executing and exclusive runs are enabled.
var ErrRunActive = errors.New("run already active for workspace, task and role")

// DefaultMaxConcurrent is the run concurrency cap when none is configured.
const DefaultMaxConcurrent = 16

// Executor runs one request to completion. *Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req model.RunRequest) (model.AgentRun, error)
}

// Dispatcher schedules runs onto their own goroutines, bounding how many
// execute at once. When exclusive is set it also rejects a request whose
// (workspace, task, role) triple already has a run in flight; the check and
// the claim happen under one lock, so two concurrent submissions cannot both
// win.
type Dispatcher struct {
	exec      Executor
	sem       *semaphore.Weighted
	exclusive bool
	logger    *slog.Logger

	mu     sync.Mutex
	active map[model.RunKey]struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 selects
// DefaultMaxConcurrent.
func NewDispatcher(exec Executor, maxConcurrent int, exclusive bool, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Dispatcher{
		exec:      exec,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		exclusive: exclusive,
		logger:    logger,
		active:    make(map[model.RunKey]struct{}),
	}
	d.registerMetrics()
	return d
}

// Submit executes req on a dedicated goroutine and waits for the result.
// Cancelling ctx abandons the wait and any queued slot acquisition, but a run
// that already started continues to its terminal state.
func (d *Dispatcher) Submit(ctx context.Context, req model.RunRequest) (model.AgentRun, error) {
	if err := req.Validate(); err != nil {
		return model.AgentRun{}, fmt.Errorf("dispatcher: %w: %w", ErrInvalidRequest, err)
	}
	key := req.Key()
	if !d.claim(key) {
		return model.AgentRun{}, ErrRunActive
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.release(key)
		return model.AgentRun{}, fmt.Errorf("dispatcher: wait for slot: %w", err)
	}

	type result struct {
		run model.AgentRun
		err error
	}
	done := make(chan result, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer d.release(key)
		run, err := d.exec.Execute(context.WithoutCancel(ctx), req)
		done <- result{run: run, err: err}
	}()

	select {
	case r := <-done:
		return r.run, r.err
	case <-ctx.Done():
		d.logger.Warn("dispatcher: caller left before run finished",
			"workspace_id", req.WorkspaceID, "role_key", req.RoleKey, "error", ctx.Err())
		return model.AgentRun{}, ctx.Err()
	}
}

// Active reports whether a run for key is in flight. Always false when
// exclusive runs are disabled.
func (d *Dispatcher) Active(key model.RunKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[key]
	return ok
}

// Wait blocks until every submitted run has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) claim(key model.RunKey) bool {
	if !d.exclusive {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[key]; ok {
		return false
	}
	d.active[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key model.RunKey) {
	if !d.exclusive {
		return
	}
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("kobo/dispatcher")
	_, _ = meter.Int64ObservableGauge("kobo.runs.active",
		metric.WithDescription("Runs holding an exclusive (workspace, task, role) marker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			d.mu.Lock()
			n := len(d.active)
			d.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
