package policy

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/chatdistill/internal/queue"
)

type Thresholds struct {
	TargetTokens  int
	HardMinTokens int
	MaxWait       time.Duration
	MaxItems      int
}

// ShouldRun applies the two-threshold rule: run once the target is reached,
// or once the wait has expired and at least the hard minimum is pending.
func ShouldRun(tokenSum int, elapsed time.Duration, th Thresholds, force bool) bool {
	if force {
		return true
	}
	if tokenSum >= th.TargetTokens {
		return true
	}
	return elapsed >= th.MaxWait && tokenSum >= th.HardMinTokens
}

// Candidate is one queue record considered for a run. Start and End are
// positions relative to the scan offset.
type Candidate struct {
	queue.Entry
	InteractionID string
	// Skip marks records that already have an artifact.
	Skip bool
	// Void marks records without an interaction id.
	Void bool
}

// Sendable reports whether the record must go to the completion service.
func (c Candidate) Sendable() bool {
	return !c.Skip && !c.Void
}

type Plan struct {
	Candidates []Candidate
	TokenSum   int
}

// ExistsFunc reports whether an artifact is already stored for an interaction.
type ExistsFunc func(ctx context.Context, interactionID string) bool

// Collect walks parsed entries in order and builds the candidate list,
// stopping at MaxItems candidates or once the pending tokens reach the target.
func Collect(ctx context.Context, entries []queue.Entry, th Thresholds, exists ExistsFunc) *Plan {
	plan := &Plan{}
	for _, entry := range entries {
		if th.MaxItems > 0 && len(plan.Candidates) >= th.MaxItems {
			break
		}
		c := Candidate{Entry: entry, InteractionID: strings.TrimSpace(entry.Record.InteractionID)}
		switch {
		case c.InteractionID == "":
			c.Void = true
		case exists != nil && exists(ctx, c.InteractionID):
			c.Skip = true
		}
		plan.Candidates = append(plan.Candidates, c)
		if !c.Sendable() {
			continue
		}
		if c.Record.EstimatedTokens > 0 {
			plan.TokenSum += c.Record.EstimatedTokens
		}
		if plan.TokenSum >= th.TargetTokens {
			break
		}
	}
	return plan
}

// Span is the number of bytes covered by every candidate.
func (p *Plan) Span() int64 {
	if len(p.Candidates) == 0 {
		return 0
	}
	return p.Candidates[len(p.Candidates)-1].End
}

func (p *Plan) Sendable() []Candidate {
	out := make([]Candidate, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		if c.Sendable() {
			out = append(out, c)
		}
	}
	return out
}

// CandidateIDs lists the ids of every non-void candidate, skipped ones included.
func (p *Plan) CandidateIDs() []string {
	out := make([]string, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		if !c.Void {
			out = append(out, c.InteractionID)
		}
	}
	return out
}

func (p *Plan) SendableIDs() []string {
	sendable := p.Sendable()
	out := make([]string, 0, len(sendable))
	for _, c := range sendable {
		out = append(out, c.InteractionID)
	}
	return out
}

// SkippedCount counts candidates that are never sent: indexed or void.
func (p *Plan) SkippedCount() int {
	n := 0
	for _, c := range p.Candidates {
		if !c.Sendable() {
			n++
		}
	}
	return n
}
