package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobo/internal/model"
)

func TestEnforceGatedAction(t *testing.T) {
	p := New(nil)

	assert.NoError(t, p.Enforce("github.create_pr", model.ApprovalApproved))

	for _, status := range []model.ApprovalStatus{model.ApprovalPending, model.ApprovalRejected} {
		err := p.Enforce("github.create_pr", status)
		require.Error(t, err, "status %s", status)
		assert.True(t, errors.Is(err, ErrViolation))

		var v *Violation
		require.True(t, errors.As(err, &v))
		assert.Equal(t, "github.create_pr", v.ActionType)
		assert.Equal(t, status, v.Status)
	}
}

func TestEnforceNonGatedAction(t *testing.T) {
	p := New(nil)
	assert.NoError(t, p.Enforce("note.create", model.ApprovalPending))
	assert.NoError(t, p.Enforce("note.create", model.ApprovalRejected))
}

func TestRequiresGateDefaults(t *testing.T) {
	p := New(nil)
	for _, a := range DefaultGatedActions {
		assert.True(t, p.RequiresGate(a), a)
	}
	assert.False(t, p.RequiresGate("task.update"))
	assert.False(t, p.RequiresGate(""))
}

func TestEmptyConfigGatesNothing(t *testing.T) {
	p := New([]string{})
	assert.False(t, p.RequiresGate("github.create_pr"))
	assert.Empty(t, p.Gated())
}

func TestSetGatedAppliesToLaterChecks(t *testing.T) {
	p := New([]string{"github.create_pr"})
	require.Error(t, p.Enforce("github.create_pr", model.ApprovalPending))

	p.SetGated([]string{" jira.create_issue ", ""})
	assert.NoError(t, p.Enforce("github.create_pr", model.ApprovalPending))
	assert.Error(t, p.Enforce("jira.create_issue", model.ApprovalPending))
	assert.Equal(t, []string{"jira.create_issue"}, p.Gated())
}
