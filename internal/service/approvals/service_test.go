package approvals

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/policy"
	"github.com/ashita-ai/kobo/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService() (*Service, *storage.MemStore, *eventbus.Bus) {
	store := storage.NewMemStore(0)
	bus := eventbus.New(nil, testLogger(), 0)
	return New(store, policy.New(nil), bus, testLogger()), store, bus
}

func createPR(t *testing.T, svc *Service, ws uuid.UUID) model.ApprovalRequest {
	t.Helper()
	diff := "+ feature flag"
	a, err := svc.Create(context.Background(), model.CreateApprovalRequest{
		WorkspaceID: ws,
		ActionPlan: model.ActionPlan{
			ActionType: "github.create_pr",
			Target:     "acme/web",
			Summary:    "Open the rollout PR",
		},
		DiffPreview: &diff,
	})
	require.NoError(t, err)
	return a
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, Approve, d)

	_, err = ParseDecision("maybe")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestCreatePublishesRequested(t *testing.T) {
	svc, _, bus := newTestService()
	ws := uuid.New()
	sub := bus.Subscribe(ws)
	defer sub.Close()

	a := createPR(t, svc, ws)
	assert.Equal(t, model.ApprovalPending, a.Status)
	assert.NotNil(t, a.ActionPlan.Payload)

	e := <-sub.Events()
	assert.Equal(t, model.EventApprovalReq, e.Type)
	assert.Equal(t, a.ID, e.Payload["approval_id"])
	assert.Equal(t, true, e.Payload["requires_gate"])
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Create(context.Background(), model.CreateApprovalRequest{ActionPlan: model.ActionPlan{ActionType: "note.create"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Create(context.Background(), model.CreateApprovalRequest{WorkspaceID: uuid.New()})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDecideApproveWritesAuditAndEvent(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTestService()
	ws := uuid.New()
	a := createPR(t, svc, ws)
	sub := bus.Subscribe(ws)
	defer sub.Close()

	note := "looks good"
	decided, err := svc.Decide(ctx, a.ID, Approve, &note, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, decided.Status)
	require.NotNil(t, decided.DecisionNote)
	assert.Equal(t, note, *decided.DecisionNote)
	assert.Equal(t, "user-1", decided.DecidedBy)
	assert.NotNil(t, decided.DecidedAt)

	e := <-sub.Events()
	assert.Equal(t, model.EventApprovalOK, e.Type)
	assert.Equal(t, a.ID, e.Payload["approval_id"])

	audit, err := svc.Audit(ctx, ws, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, AuditApprove, audit[0].Action)
	assert.Equal(t, a.ID, audit[0].TargetID)
	assert.Equal(t, "user-1", audit[0].Actor)
	assert.Equal(t, "looks good", audit[0].Metadata["note"])
}

func TestDecideReject(t *testing.T) {
	ctx := context.Background()
	svc, _, bus := newTestService()
	ws := uuid.New()
	a := createPR(t, svc, ws)
	sub := bus.Subscribe(ws)
	defer sub.Close()

	decided, err := svc.Decide(ctx, a.ID, Reject, nil, "user-2")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, decided.Status)
	assert.Nil(t, decided.DecisionNote)
	assert.Equal(t, model.EventApprovalDenied, (<-sub.Events()).Type)

	audit, err := svc.Audit(ctx, ws, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, AuditReject, audit[0].Action)
}

// vetoPolicy gates like the default policy but refuses every enforcement.
type vetoPolicy struct{ *policy.Policy }

func (vetoPolicy) Enforce(actionType string, status model.ApprovalStatus) error {
	return &policy.Violation{ActionType: actionType, Status: status}
}

func TestDecideApproveEnforcesPolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore(0)
	svc := New(store, vetoPolicy{policy.New(nil)}, nil, testLogger())
	ws := uuid.New()
	a := createPR(t, svc, ws)

	_, err := svc.Decide(ctx, a.ID, Approve, nil, "user:1")
	require.ErrorIs(t, err, policy.ErrViolation)

	got, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.Status)
	audit, err := store.ListAudit(ctx, ws, 0)
	require.NoError(t, err)
	assert.Empty(t, audit)

	// Rejection is never blocked by the policy.
	rejected, err := svc.Decide(ctx, a.ID, Reject, nil, "user:1")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, rejected.Status)
}

func TestDecideOnlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	a := createPR(t, svc, uuid.New())

	_, err := svc.Decide(ctx, a.ID, Approve, nil, "u")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, a.ID, Reject, nil, "u")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestDecideErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()

	_, err := svc.Decide(ctx, uuid.New(), Approve, nil, "u")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	a := createPR(t, svc, uuid.New())
	_, err = svc.Decide(ctx, a.ID, Decision("escalate"), nil, "u")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestAuthorizeEnforcesPolicy(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	ws := uuid.New()

	pending := createPR(t, svc, ws)
	_, err := svc.Authorize(ctx, pending.ID)
	assert.ErrorIs(t, err, policy.ErrViolation)

	rejected := createPR(t, svc, ws)
	_, err = svc.Decide(ctx, rejected.ID, Reject, nil, "u")
	require.NoError(t, err)
	_, err = svc.Authorize(ctx, rejected.ID)
	assert.ErrorIs(t, err, policy.ErrViolation)

	approved := createPR(t, svc, ws)
	_, err = svc.Decide(ctx, approved.ID, Approve, nil, "u")
	require.NoError(t, err)
	got, err := svc.Authorize(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)

	// Non-gated actions proceed while pending.
	note, err := svc.Create(ctx, model.CreateApprovalRequest{
		WorkspaceID: ws,
		ActionPlan:  model.ActionPlan{ActionType: "note.create"},
	})
	require.NoError(t, err)
	_, err = svc.Authorize(ctx, note.ID)
	assert.NoError(t, err)

	_, err = svc.Authorize(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	ws := uuid.New()
	a := createPR(t, svc, ws)
	createPR(t, svc, ws)
	createPR(t, svc, uuid.New())
	_, err := svc.Decide(ctx, a.ID, Approve, nil, "u")
	require.NoError(t, err)

	all, err := svc.List(ctx, ws, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := svc.List(ctx, ws, model.ApprovalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	none, err := svc.List(ctx, uuid.New(), "")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = svc.List(ctx, ws, "bogus")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
