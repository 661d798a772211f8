// Package policy classifies action types that write to external systems and
// enforces that such actions only proceed once a human has approved them.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ashita-ai/kobo/internal/model"
)

// DefaultGatedActions are the external-write action types gated by default.
var DefaultGatedActions = []string{
	"github.create_pr",
	"github.push_commit",
	"linear.create_issue",
	"linear.update_issue",
	"slack.post_message",
}

// ErrViolation is the sentinel wrapped by every *Violation.
var ErrViolation = errors.New("policy violation")

// Violation reports an attempt to move a gated action to a status other than
// approved.
type Violation struct {
	ActionType string
	Status     model.ApprovalStatus
}

func (v *Violation) Error() string {
	return fmt.Sprintf("external write action %q requires approved status (got %q)", v.ActionType, v.Status)
}

func (v *Violation) Unwrap() error { return ErrViolation }

// Policy holds the set of gated action types. Safe for concurrent use; the
// set can be replaced at runtime and Enforce always consults the current set.
type Policy struct {
	mu    sync.RWMutex
	gated map[string]struct{}
}

// New creates a policy gating the given action types. A nil slice selects
// DefaultGatedActions; an empty non-nil slice gates nothing.
func New(gated []string) *Policy {
	p := &Policy{}
	if gated == nil {
		gated = DefaultGatedActions
	}
	p.SetGated(gated)
	return p
}

// SetGated replaces the gated set.
func (p *Policy) SetGated(actions []string) {
	m := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a = strings.TrimSpace(a); a != "" {
			m[a] = struct{}{}
		}
	}
	p.mu.Lock()
	p.gated = m
	p.mu.Unlock()
}

// Gated returns the current gated action types, sorted.
func (p *Policy) Gated() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.gated))
	for a := range p.gated {
		out = append(out, a)
	}
	p.mu.RUnlock()
	slices.Sort(out)
	return out
}

// RequiresGate reports whether actionType needs human sign-off.
func (p *Policy) RequiresGate(actionType string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.gated[actionType]
	return ok
}

// Enforce returns a *Violation when actionType is gated and status is not
// approved. Non-gated action types are unconstrained.
func (p *Policy) Enforce(actionType string, status model.ApprovalStatus) error {
	if p.RequiresGate(actionType) && status != model.ApprovalApproved {
		return &Violation{ActionType: actionType, Status: status}
	}
	return nil
}
