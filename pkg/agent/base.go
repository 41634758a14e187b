package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// base carries the shared behavior of the five agents: activation and
// completion notices, the "no input" short-circuit, and the model-ask
// helper with its single-fallback-message discipline.
type base struct {
	params Params
	llm    invoker.Client
}

func (b *base) Role() models.Role { return b.params.Role }

// activate emits the opening notice. Carries no confidence.
func (b *base) activate(e *Emitter, text string) error {
	return e.Emit(models.AgentMessage{Text: text, Section: models.SectionActivation})
}

// complete emits the closing notice with the agent's final confidence.
func (b *base) complete(e *Emitter, confidence float64, text string) error {
	return e.Emit(models.AgentMessage{
		Text:       text,
		Section:    models.SectionCompletion,
		Confidence: models.Conf(clamp(confidence, 0, 100)),
	})
}

// completeNoInput handles a missing upstream field: completion with
// confidence 0 and the no-input tag, no findings written.
func (b *base) completeNoInput(e *Emitter, missing string) error {
	if err := e.Emit(models.AgentMessage{
		Text:       fmt.Sprintf("No %s available; skipping analysis", missing),
		Section:    models.SectionNoInput,
		Confidence: models.Conf(0),
	}); err != nil {
		return err
	}
	return e.Emit(models.AgentMessage{
		Text:       "Completed without input",
		Section:    models.SectionCompletion,
		Confidence: models.Conf(0),
	})
}

// ask performs one model call bounded by the agent's deadline. The
// deadline applies to the call only, never to message emission, so a
// completion racing the deadline is always preserved.
//
// Returns (text, true, nil) on success. On a fallback-worthy failure
// (timeout, budget exhaustion, model error) it emits exactly one
// fallback-tagged message and returns ("", false, nil); the caller takes
// its deterministic path. A non-nil error means the pipeline itself is
// cancelled and the agent must stop without completing.
func (b *base) ask(ctx context.Context, e *Emitter, system, input string) (string, bool, error) {
	resp, err := b.llm.Invoke(ctx, invoker.Request{
		Model:     b.params.Model,
		System:    system,
		Input:     input,
		MaxTokens: b.params.MaxTokens,
		Deadline:  time.Now().Add(b.params.Deadline),
	})
	if err == nil {
		return resp.Text, true, nil
	}

	if errors.Is(err, context.Canceled) {
		return "", false, err
	}

	reason := "model error"
	switch {
	case errors.Is(err, invoker.ErrTimeout):
		reason = "model call timed out"
	case errors.Is(err, budget.ErrBudgetExceeded):
		reason = "daily budget exhausted"
	}
	slog.Warn("Model call failed, taking rule-based path",
		"role", b.params.Role, "model", b.params.Model, "error", err)

	if emitErr := e.Emit(models.AgentMessage{
		Text:    fmt.Sprintf("AI-assisted insight skipped (%s); continuing with rule-based analysis", reason),
		Section: models.SectionFallback,
	}); emitErr != nil {
		return "", false, emitErr
	}
	return "", false, nil
}
