package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/model"
)

// DefaultEventRetention bounds the in-memory outbox.
const DefaultEventRetention = 10_000

// MemStore is an in-process Store. Safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	runs      map[uuid.UUID]*model.AgentRun
	runOrder  []uuid.UUID
	timeline  map[uuid.UUID][]seqEntry
	seq       int64
	evidence  []model.Evidence
	approvals map[uuid.UUID]*model.ApprovalRequest
	apprOrder []uuid.UUID
	audit     []model.AuditRecord
	decisions map[uuid.UUID]*model.DecisionArtifact

	events    []model.Event
	retention int
}

type seqEntry struct {
	seq   int64
	entry model.TimelineEntry
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store. eventRetention <= 0 selects
// DefaultEventRetention.
func NewMemStore(eventRetention int) *MemStore {
	if eventRetention <= 0 {
		eventRetention = DefaultEventRetention
	}
	return &MemStore{
		runs:      make(map[uuid.UUID]*model.AgentRun),
		timeline:  make(map[uuid.UUID][]seqEntry),
		approvals: make(map[uuid.UUID]*model.ApprovalRequest),
		decisions: make(map[uuid.UUID]*model.DecisionArtifact),
		retention: eventRetention,
	}
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) CreateRun(_ context.Context, run model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("storage: create run %s: %w", run.ID, ErrConflict)
	}
	r := run
	s.runs[run.ID] = &r
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *MemStore) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, output *model.AgentOutput) (model.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, fmt.Errorf("storage: finish run %s: %w", id, ErrNotFound)
	}
	if r.Status.Terminal() {
		return model.AgentRun{}, fmt.Errorf("storage: finish run %s already %s: %w", id, r.Status, ErrConflict)
	}
	r.Status = status
	r.Output = output
	r.UpdatedAt = time.Now().UTC()
	return *r, nil
}

func (s *MemStore) GetRun(_ context.Context, id uuid.UUID) (model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
	}
	return *r, nil
}

func (s *MemStore) ListRuns(_ context.Context, f RunFilter) ([]model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := clampLimit(f.Limit)
	var out []model.AgentRun
	for i := len(s.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.runs[s.runOrder[i]]
		if f.WorkspaceID != uuid.Nil && r.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.TaskID != nil && (r.TaskID == nil || *r.TaskID != *f.TaskID) {
			continue
		}
		if f.RoleKey != "" && r.RoleKey != f.RoleKey {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemStore) RunOutcomes(_ context.Context, workspaceID uuid.UUID, roleKey string) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tally := map[string]*Outcome{}
	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.WorkspaceID != workspaceID || !r.Status.Terminal() {
			continue
		}
		if roleKey != "" && r.RoleKey != roleKey {
			continue
		}
		o, ok := tally[r.RoleKey]
		if !ok {
			o = &Outcome{Key: r.RoleKey}
			tally[r.RoleKey] = o
		}
		o.Total++
		if r.Status == model.RunStatusCompleted {
			o.Successes++
		}
	}
	return sortedOutcomes(tally), nil
}

func (s *MemStore) AppendTimeline(_ context.Context, e model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[e.RunID]; !ok {
		return fmt.Errorf("storage: append timeline for run %s: %w", e.RunID, ErrNotFound)
	}
	s.seq++
	s.timeline[e.RunID] = append(s.timeline[e.RunID], seqEntry{seq: s.seq, entry: e})
	return nil
}

func (s *MemStore) ListTimeline(_ context.Context, runID uuid.UUID) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("storage: list timeline for run %s: %w", runID, ErrNotFound)
	}
	entries := s.timeline[runID]
	out := make([]model.TimelineEntry, len(entries))
	for i, se := range entries {
		out[i] = se.entry
	}
	return out, nil
}

func (s *MemStore) ListTaskTimeline(_ context.Context, workspaceID, taskID uuid.UUID) ([]model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []seqEntry
	for _, entries := range s.timeline {
		for _, se := range entries {
			if se.entry.WorkspaceID == workspaceID && se.entry.TaskID != nil && *se.entry.TaskID == taskID {
				all = append(all, se)
			}
		}
	}
	slices.SortFunc(all, func(a, b seqEntry) int {
		if c := a.entry.CreatedAt.Compare(b.entry.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]model.TimelineEntry, len(all))
	for i, se := range all {
		out[i] = se.entry
	}
	return out, nil
}

func (s *MemStore) AddEvidence(_ context.Context, ev model.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, ev)
	return nil
}

func (s *MemStore) ListEvidence(_ context.Context, workspaceID uuid.UUID, taskID *uuid.UUID, limit int) ([]model.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []model.Evidence
	for i := len(s.evidence) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.evidence[i]
		if ev.WorkspaceID != workspaceID {
			continue
		}
		if taskID != nil && (ev.TaskID == nil || *ev.TaskID != *taskID) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemStore) CountEvidence(_ context.Context, workspaceID uuid.UUID, taskID *uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.evidence {
		if ev.WorkspaceID != workspaceID {
			continue
		}
		if taskID != nil && (ev.TaskID == nil || *ev.TaskID != *taskID) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemStore) CreateApproval(_ context.Context, a model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; ok {
		return fmt.Errorf("storage: create approval %s: %w", a.ID, ErrConflict)
	}
	cp := a
	s.approvals[a.ID] = &cp
	s.apprOrder = append(s.apprOrder, a.ID)
	return nil
}

func (s *MemStore) GetApproval(_ context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval %s: %w", id, ErrNotFound)
	}
	return *a, nil
}

func (s *MemStore) ListApprovals(_ context.Context, workspaceID uuid.UUID, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ApprovalRequest
	for i := len(s.apprOrder) - 1; i >= 0; i-- {
		a := s.approvals[s.apprOrder[i]]
		if a.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *MemStore) DecideApproval(_ context.Context, d ApprovalDecision, audit model.AuditRecord) (model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[d.ID]
	if !ok {
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval %s: %w", d.ID, ErrNotFound)
	}
	if a.Status != model.ApprovalPending {
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval %s already %s: %w", d.ID, a.Status, ErrConflict)
	}
	decidedAt := d.DecidedAt
	a.Status = d.Status
	a.DecisionNote = d.Note
	a.DecidedBy = d.DecidedBy
	a.DecidedAt = &decidedAt
	s.audit = append(s.audit, audit)
	return *a, nil
}

func (s *MemStore) ListAudit(_ context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []model.AuditRecord
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].WorkspaceID == workspaceID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *MemStore) ApprovalOutcomes(_ context.Context, workspaceID uuid.UUID, actionType string) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tally := map[string]*Outcome{}
	for _, id := range s.apprOrder {
		a := s.approvals[id]
		if a.WorkspaceID != workspaceID || a.Status == model.ApprovalPending {
			continue
		}
		key := a.ActionPlan.ActionType
		if actionType != "" && key != actionType {
			continue
		}
		o, ok := tally[key]
		if !ok {
			o = &Outcome{Key: key}
			tally[key] = o
		}
		o.Total++
		if a.Status == model.ApprovalApproved {
			o.Successes++
		}
	}
	return sortedOutcomes(tally), nil
}

func (s *MemStore) CreateDecision(_ context.Context, d model.DecisionArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; ok {
		return fmt.Errorf("storage: create decision %s: %w", d.ID, ErrConflict)
	}
	cp := d
	s.decisions[d.ID] = &cp
	return nil
}

func (s *MemStore) GetDecision(_ context.Context, id uuid.UUID) (model.DecisionArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return model.DecisionArtifact{}, fmt.Errorf("storage: get decision %s: %w", id, ErrNotFound)
	}
	return *d, nil
}

func (s *MemStore) SetFinalDecision(_ context.Context, f FinalDecision) (model.DecisionArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[f.ID]
	if !ok {
		return model.DecisionArtifact{}, fmt.Errorf("storage: set final decision %s: %w", f.ID, ErrNotFound)
	}
	if d.FinalDecision != nil {
		return model.DecisionArtifact{}, fmt.Errorf("storage: decision %s already finalized: %w", f.ID, ErrConflict)
	}
	final, rationale, at := f.FinalDecision, f.Rationale, f.DecidedAt
	d.FinalDecision = &final
	d.Rationale = &rationale
	d.DecidedBy = f.DecidedBy
	d.DecidedAt = &at
	return *d, nil
}

// InsertEvents appends events to the in-memory outbox. The oldest events are
// discarded once the retention limit is reached.
func (s *MemStore) InsertEvents(_ context.Context, events []model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if over := len(s.events) - s.retention; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	return int64(len(events)), nil
}

func (s *MemStore) ListEvents(_ context.Context, workspaceID uuid.UUID, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []model.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].WorkspaceID == workspaceID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func sortedOutcomes(tally map[string]*Outcome) []Outcome {
	out := make([]Outcome, 0, len(tally))
	for _, o := range tally {
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b Outcome) int { return cmp.Compare(a.Key, b.Key) })
	return out
}
