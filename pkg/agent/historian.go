package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
)

const historianSystemPrompt = `You are a historian of pre-colonial and colonial Zimbabwe. Given the
document text below, identify the likely period, context, and any
historical events or figures it references. Be concise and factual.`

// Historian is a Stage-B agent: it matches known historical figures in
// the OCR text and asks the model for period context.
type Historian struct {
	base
	ref *reference.Data
}

// NewHistorian creates the Historian with its reference tables.
func NewHistorian(params Params, llm invoker.Client, ref *reference.Data) *Historian {
	return &Historian{base: base{params: params, llm: llm}, ref: ref}
}

// Process implements Agent.
func (h *Historian) Process(ctx context.Context, analysis *Analysis, e *Emitter) error {
	if err := h.activate(e, "Historian engaged: placing document in historical context"); err != nil {
		return err
	}

	rawOCR := analysis.RawOCR()
	if rawOCR == "" {
		return h.completeNoInput(e, "OCR text")
	}

	figures := h.ref.MatchFigures(rawOCR)
	names := make([]string, len(figures))
	for i, f := range figures {
		names[i] = f.Name
	}
	if err := e.Emit(models.AgentMessage{
		Text:     fmt.Sprintf("Reference match: %d known figures identified", len(figures)),
		Metadata: map[string]any{"figures": names},
	}); err != nil {
		return err
	}

	confidence := clamp(30+15*float64(len(figures)), 20, 80)
	keyFindings := []string{fmt.Sprintf("known figures matched: %d", len(figures))}
	for _, f := range figures {
		keyFindings = append(keyFindings, fmt.Sprintf("%s (%s, %s)", f.Name, f.Role, f.Era))
	}

	contextText, ok, err := h.ask(ctx, e, historianSystemPrompt, rawOCR)
	if err != nil {
		return err
	}
	if ok && strings.TrimSpace(contextText) != "" {
		confidence = clamp(confidence+10, 0, 90)
		keyFindings = append(keyFindings, "period context: "+firstLine(contextText))
		if emitErr := e.Emit(models.AgentMessage{
			Text:       firstLine(contextText),
			Confidence: models.Conf(confidence),
			Section:    "period_context",
		}); emitErr != nil {
			return emitErr
		}
	}

	analysis.PutFindings(models.Findings{
		Role:        models.RoleHistorian,
		Confidence:  confidence,
		KeyFindings: keyFindings,
		Artifacts: map[string]string{
			"figures_matched": fmt.Sprintf("%d", len(figures)),
			"era":             dominantEra(figures),
		},
	})

	return h.complete(e, confidence, "Historical analysis complete")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// dominantEra picks the era of the first matched figure; figure tables
// are ordered by archival prevalence.
func dominantEra(figures []reference.Figure) string {
	if len(figures) == 0 {
		return "undetermined"
	}
	return figures[0].Era
}
