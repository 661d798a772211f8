package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/kobo/internal/confidence"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/service/generation"
)

// Generator produces text for a prompt. *generation.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64) generation.Result
	DefaultTemperature() float64
}

// Review flags and questions attached to outputs that did not pass.
const (
	FlagAbstained          = "abstained_low_confidence"
	FlagGenerationFallback = "generation_fallback"
	FlagUngrounded         = "no_supporting_evidence"

	clarificationQuestion = "Need additional context to produce a reliable output."
)

// maxEvidenceLinks bounds the evidence attached to the grounded claim.
const maxEvidenceLinks = 5

// Signals fed to the confidence scorer. Grounded output cites retrieved
// evidence; ungrounded output has none; fallback output came from no model.
var (
	signalsGrounded   = signals{sourceRatio: 0.86, consistency: 0.75, verifierRisk: 0.18}
	signalsUngrounded = signals{sourceRatio: 0.5, consistency: 0.75, verifierRisk: 0.18}
	signalsFallback   = signals{sourceRatio: 0, consistency: 0.5, verifierRisk: 0.8}
)

type signals struct {
	sourceRatio  float64
	consistency  float64
	verifierRisk float64
}

// Runtime turns a role and goal into a scored AgentOutput.
type Runtime struct {
	gen   Generator
	roles *Roles
}

// NewRuntime creates a runtime. roles may be nil for the default catalogue.
func NewRuntime(gen Generator, roles *Roles) *Runtime {
	if roles == nil {
		roles = NewRoles(nil)
	}
	return &Runtime{gen: gen, roles: roles}
}

// Roles returns the catalogue used for prompts.
func (rt *Runtime) Roles() *Roles { return rt.roles }

// BuildPrompt renders the generation prompt for a role.
func (rt *Runtime) BuildPrompt(roleKey, goal string) string {
	var b strings.Builder
	if p, ok := rt.roles.Lookup(roleKey); ok && p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are KOBO %s. Follow grounded-first execution.\n", roleKey)
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	b.WriteString("Return concise structured markdown with assumptions and risks.\n")
	b.WriteString("Do not invent external facts.")
	return b.String()
}

// Run generates and scores a draft for req using the retrieved evidence.
func (rt *Runtime) Run(ctx context.Context, req model.RunRequest, evidence []model.Evidence) model.AgentOutput {
	res := rt.gen.Generate(ctx, rt.BuildPrompt(req.RoleKey, req.Goal), rt.gen.DefaultTemperature())

	sig := signalsGrounded
	var flags []string
	switch {
	case res.Fallback:
		sig = signalsFallback
		flags = append(flags, FlagGenerationFallback)
	case len(evidence) == 0:
		sig = signalsUngrounded
		flags = append(flags, FlagUngrounded)
	}
	breakdown := confidence.Score(sig.sourceRatio, sig.consistency, sig.verifierRisk)

	out := model.AgentOutput{
		ExecutiveSummary: req.RoleKey + " produced an actionable draft.",
		FullContent:      res.Text,
		GroundedClaims:   []model.GroundedClaim{},
		Assumptions: []model.Assumption{{
			Text:                   "This is a draft output generated with current workspace context.",
			Type:                   "scope",
			Risk:                   model.RiskLow,
			VerificationSuggestion: "Review acceptance criteria before approving external actions.",
		}},
		ConfidenceScore:     breakdown.Overall,
		ConfidenceBreakdown: breakdown,
		OpenQuestions:       []string{},
		ReviewFlags:         []string{},
	}
	if res.Model != "" {
		m := res.Model
		out.ModelUsed = &m
	}
	if !res.Fallback && len(evidence) > 0 {
		links := make([]model.EvidenceRef, 0, min(len(evidence), maxEvidenceLinks))
		for _, ev := range evidence[:min(len(evidence), maxEvidenceLinks)] {
			links = append(links, ev.Ref())
		}
		out.GroundedClaims = append(out.GroundedClaims, model.GroundedClaim{
			Claim:         "Output was grounded in task context.",
			EvidenceLinks: links,
		})
	}

	// Completed outputs carry no questions or flags.
	if !confidence.Passes(breakdown.Overall) {
		out.OpenQuestions = append(out.OpenQuestions, clarificationQuestion)
		out.ReviewFlags = append(out.ReviewFlags, FlagAbstained)
		out.ReviewFlags = append(out.ReviewFlags, flags...)
	}
	return out
}
