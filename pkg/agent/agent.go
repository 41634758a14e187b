// Package agent provides the worker framework for the restoration
// pipeline: the Agent contract, the shared per-submission Analysis, the
// back-pressured Emitter, and the five concrete agents.
package agent

import (
	"context"
	"time"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// Agent is the uniform worker contract. Process emits a finite message
// sequence through the Emitter: an activation notice first, a completion
// notice (with the agent's final confidence) last, and any number of
// intermediate messages between.
//
// Process returns a non-nil error only when the run cannot produce a
// completion (pipeline cancellation, emitter failure). Model-call
// failures never surface here; the agent falls back and completes with
// degraded confidence.
type Agent interface {
	Role() models.Role
	Process(ctx context.Context, analysis *Analysis, emitter *Emitter) error
}

// Params declares one agent's role, wall-clock budget for model calls,
// token ceiling, and the model it uses.
type Params struct {
	Role      models.Role
	Deadline  time.Duration
	MaxTokens int
	Model     string
}

// DefaultParams returns the per-role budgets. Scanner gets the largest
// deadline because OCR dominates the run.
func DefaultParams(role models.Role, visionModel, textModel string) Params {
	switch role {
	case models.RoleScanner:
		return Params{Role: role, Deadline: 30 * time.Second, MaxTokens: 1024, Model: visionModel}
	case models.RoleLinguist:
		return Params{Role: role, Deadline: 25 * time.Second, MaxTokens: 800, Model: textModel}
	case models.RoleHistorian:
		return Params{Role: role, Deadline: 20 * time.Second, MaxTokens: 800, Model: textModel}
	case models.RoleValidator:
		return Params{Role: role, Deadline: 20 * time.Second, MaxTokens: 512, Model: textModel}
	default:
		return Params{Role: role, Deadline: 20 * time.Second, MaxTokens: 700, Model: textModel}
	}
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
