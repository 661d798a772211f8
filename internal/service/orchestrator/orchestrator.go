// Package orchestrator drives agent runs through the staged pipeline.
//
// Execute creates the run, walks the stage descriptors in order appending one
// timeline entry per descriptor, scores the generated output and finalizes
// the run as completed or failed. Any stage fault marks the run failed and
// appends a failed committer entry, so no run is left running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/storage"
	"github.com/ashita-ai/kobo/internal/telemetry"
)

// ErrInvalidRequest wraps run request validation failures.
var ErrInvalidRequest = errors.New("invalid run request")

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateRun(ctx context.Context, run model.AgentRun) error
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output *model.AgentOutput) (model.AgentRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	AppendTimeline(ctx context.Context, e model.TimelineEntry) error
	ListEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID, limit int) ([]model.Evidence, error)
	CountEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID) (int, error)
}

// Publisher emits workspace events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, eventType string, workspaceID uuid.UUID, payload map[string]any) (model.Event, error)
}

// Orchestrator executes runs. Safe for concurrent use; each Execute call
// owns its run exclusively.
type Orchestrator struct {
	store   Store
	bus     Publisher
	runtime *Runtime
	logger  *slog.Logger
	stages  []stage
	now     func() time.Time

	tracer      trace.Tracer
	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New creates an orchestrator.
func New(store Store, bus Publisher, runtime *Runtime, logger *slog.Logger) *Orchestrator {
	meter := telemetry.Meter("kobo/orchestrator")
	runsTotal, _ := meter.Int64Counter("kobo.runs.total",
		metric.WithDescription("Finished agent runs by terminal status"),
	)
	runDuration, _ := meter.Float64Histogram("kobo.run.duration",
		metric.WithDescription("Agent run wall time (ms)"),
		metric.WithUnit("ms"),
	)
	o := &Orchestrator{
		store:       store,
		bus:         bus,
		runtime:     runtime,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		tracer:      otel.Tracer("kobo/orchestrator"),
		runsTotal:   runsTotal,
		runDuration: runDuration,
	}
	o.stages = o.defaultPipeline()
	return o
}

// Roles returns the role catalogue the runtime prompts with.
func (o *Orchestrator) Roles() *Roles { return o.runtime.Roles() }

// Execute runs req through the pipeline and returns the terminal run. A
// low-confidence outcome is not an error: the run is returned failed with
// open questions. A non-nil error with a non-zero run means a stage faulted
// and the run was marked failed.
func (o *Orchestrator) Execute(ctx context.Context, req model.RunRequest) (model.AgentRun, error) {
	if err := req.Validate(); err != nil {
		return model.AgentRun{}, fmt.Errorf("orchestrator: %w: %w", ErrInvalidRequest, err)
	}

	start := time.Now()
	now := o.now()
	st := &runState{
		req: req,
		run: model.AgentRun{
			ID:          uuid.New(),
			WorkspaceID: req.WorkspaceID,
			TaskID:      req.TaskID,
			RoleKey:     req.RoleKey,
			Goal:        req.Goal,
			StakesLevel: req.StakesLevel,
			Status:      model.RunStatusRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("kobo.run_id", st.run.ID.String()),
		attribute.String("kobo.workspace_id", req.WorkspaceID.String()),
		attribute.String("kobo.role_key", req.RoleKey),
	))
	defer span.End()

	// 1. Persist the run before anything observable happens.
	if err := o.store.CreateRun(ctx, st.run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.AgentRun{}, fmt.Errorf("orchestrator: create run: %w", err)
	}
	o.publish(ctx, req.WorkspaceID, model.EventRunStarted, map[string]any{
		"run_id":   st.run.ID,
		"task_id":  req.TaskID,
		"role_key": req.RoleKey,
	})

	// 2. Walk the pipeline. Faults finalize the run as failed.
	for _, s := range o.stages {
		if err := o.runStage(ctx, st, s); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			run, abortErr := o.abort(ctx, st, err)
			o.record(ctx, run.Status, start)
			return run, abortErr
		}
	}

	// 3. Announce the outcome.
	o.publishTerminal(ctx, st, nil)
	o.record(ctx, st.run.Status, start)
	span.SetAttributes(
		attribute.String("kobo.run_status", string(st.run.Status)),
		attribute.Float64("kobo.confidence", st.output.ConfidenceScore),
	)
	o.logger.Info("orchestrator: run finished",
		"run_id", st.run.ID,
		"workspace_id", st.run.WorkspaceID,
		"role_key", st.run.RoleKey,
		"status", st.run.Status,
		"confidence", st.output.ConfidenceScore,
	)
	return st.run, nil
}

// runStage executes one descriptor and appends its entry. Panics inside the
// stage are converted into errors.
func (o *Orchestrator) runStage(ctx context.Context, st *runState, s stage) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage."+string(s.name))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			err = &StageError{Stage: s.name, Err: err}
		}
	}()

	var metadata map[string]any
	if s.exec != nil {
		if metadata, err = s.exec(ctx, st); err != nil {
			return err
		}
	}
	status := model.EntryCompleted
	if s.status != nil {
		status = s.status(st)
	}
	if err := o.appendEntry(ctx, st, s.name, status, s.title, s.summary, metadata); err != nil {
		return err
	}
	if s.finish != nil {
		return s.finish(ctx, st)
	}
	return nil
}

func (o *Orchestrator) appendEntry(ctx context.Context, st *runState, name model.Stage, status model.EntryStatus, title, summary string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry := model.TimelineEntry{
		ID:          uuid.New(),
		RunID:       st.run.ID,
		WorkspaceID: st.run.WorkspaceID,
		TaskID:      st.run.TaskID,
		Stage:       name,
		AgentRole:   st.run.RoleKey,
		Status:      status,
		Title:       title,
		Summary:     summary,
		Metadata:    metadata,
		CreatedAt:   o.now(),
	}
	if err := o.store.AppendTimeline(ctx, entry); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	o.publish(ctx, st.run.WorkspaceID, model.EventRunStage, map[string]any{
		"run_id":  st.run.ID,
		"task_id": st.run.TaskID,
		"stage":   string(name),
		"status":  string(status),
	})
	return nil
}

// abort marks the run failed after a stage fault and leaves a failed
// committer entry describing it. Writes use a context detached from the
// caller so cancellation cannot strand the run in running status.
func (o *Orchestrator) abort(ctx context.Context, st *runState, cause error) (model.AgentRun, error) {
	ctx = context.WithoutCancel(ctx)
	failedStage := "unknown"
	var se *StageError
	if errors.As(cause, &se) {
		failedStage = string(se.Stage)
	}
	o.logger.Error("orchestrator: run faulted",
		"run_id", st.run.ID,
		"workspace_id", st.run.WorkspaceID,
		"stage", failedStage,
		"error", cause,
	)

	var output *model.AgentOutput
	if st.generated {
		out := st.output
		output = &out
	}
	run, err := o.store.FinishRun(ctx, st.run.ID, model.RunStatusFailed, output)
	switch {
	case err == nil:
		st.run = run
	case errors.Is(err, storage.ErrConflict):
		// Another writer finalized the run; report what it stored.
		if got, getErr := o.store.GetRun(ctx, st.run.ID); getErr == nil {
			st.run = got
		}
	default:
		o.logger.Error("orchestrator: mark run failed", "run_id", st.run.ID, "error", err)
		st.run.Status = model.RunStatusFailed
	}

	if err := o.appendEntry(ctx, st, model.StageCommitter, model.EntryFailed,
		"Run aborted",
		fmt.Sprintf("Internal fault during %s stage; run marked %s.", failedStage, st.run.Status),
		map[string]any{
			"final_status": string(st.run.Status),
			"failed_stage": failedStage,
			"error":        cause.Error(),
		},
	); err != nil {
		o.logger.Error("orchestrator: record fault entry", "run_id", st.run.ID, "error", err)
	}

	o.publishTerminal(ctx, st, cause)
	return st.run, fmt.Errorf("orchestrator: run %s: %w", st.run.ID, cause)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, st *runState, cause error) {
	eventType := model.EventRunEscalated
	if st.run.Status == model.RunStatusCompleted && cause == nil {
		eventType = model.EventRunCompleted
	}
	openQuestions := st.output.OpenQuestions
	if openQuestions == nil {
		openQuestions = []string{}
	}
	payload := map[string]any{
		"run_id":         st.run.ID,
		"status":         string(st.run.Status),
		"confidence":     st.output.ConfidenceScore,
		"open_questions": openQuestions,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	o.publish(ctx, st.run.WorkspaceID, eventType, payload)
}

// publish emits an event. Outbox failures do not fail the run; subscribers
// have already been served by the time one is reported.
func (o *Orchestrator) publish(ctx context.Context, workspaceID uuid.UUID, eventType string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	if _, err := o.bus.Publish(ctx, eventType, workspaceID, payload); err != nil {
		o.logger.Warn("orchestrator: publish event", "type", eventType, "workspace_id", workspaceID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, status model.RunStatus, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if o.runsTotal != nil {
		o.runsTotal.Add(ctx, 1, attrs)
	}
	if o.runDuration != nil {
		o.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}
