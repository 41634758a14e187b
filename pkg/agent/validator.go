package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
)

const validatorSystemPrompt = `You are a quality reviewer for archival OCR output. Given the extracted
text below, list any structural problems: garbled sequences, impossible
character runs, truncation. Answer with a short list or "none".`

// Overall-confidence aggregation weights. RepairAdvisor does not
// contribute.
var overallWeights = map[models.Role]float64{
	models.RoleScanner:   0.35,
	models.RoleLinguist:  0.20,
	models.RoleHistorian: 0.25,
	models.RoleValidator: 0.20,
}

// Validator is a Stage-B agent: it checks the structural integrity of the
// Scanner's output and owns the overall-confidence aggregation, which the
// orchestrator invokes once Stage B has fully completed.
type Validator struct {
	base
}

// NewValidator creates the Validator.
func NewValidator(params Params, llm invoker.Client) *Validator {
	return &Validator{base: base{params: params, llm: llm}}
}

// Process implements Agent.
func (v *Validator) Process(ctx context.Context, analysis *Analysis, e *Emitter) error {
	if err := v.activate(e, "Validator engaged: checking extraction integrity"); err != nil {
		return err
	}

	rawOCR := analysis.RawOCR()
	if rawOCR == "" {
		return v.completeNoInput(e, "OCR text")
	}

	flags := structuralFlags(rawOCR)
	if err := e.Emit(models.AgentMessage{
		Text:     fmt.Sprintf("Structural check: %d flags raised", len(flags)),
		Metadata: map[string]any{"flags": flags},
	}); err != nil {
		return err
	}

	confidence := clamp(85-15*float64(len(flags)), 20, 85)

	review, ok, err := v.ask(ctx, e, validatorSystemPrompt, rawOCR)
	if err != nil {
		return err
	}
	if ok {
		if strings.Contains(strings.ToLower(review), "none") {
			confidence = clamp(confidence+5, 0, 90)
		}
		if emitErr := e.Emit(models.AgentMessage{
			Text:       "Model review: " + firstLine(review),
			Confidence: models.Conf(confidence),
			Section:    "review",
		}); emitErr != nil {
			return emitErr
		}
	}

	analysis.PutFindings(models.Findings{
		Role:        models.RoleValidator,
		Confidence:  confidence,
		KeyFindings: append([]string{fmt.Sprintf("structural flags: %d", len(flags))}, flags...),
		Artifacts: map[string]string{
			"structural_flags": strings.Join(flags, ","),
		},
	})

	return v.complete(e, confidence, "Validation complete")
}

// AggregateOverall computes the weighted overall confidence from the
// per-role findings and writes it into the analysis. The orchestrator
// calls this after Stage B completes, so every contributing finding is
// already in place; a missing finding contributes zero.
func (v *Validator) AggregateOverall(analysis *Analysis) float64 {
	var overall float64
	for role, weight := range overallWeights {
		if f, ok := analysis.FindingsFor(role); ok {
			overall += weight * f.Confidence
		}
	}
	overall = clamp(overall, 0, 100)
	analysis.SetOverall(overall)
	return overall
}

// structuralFlags applies the deterministic integrity rules to the OCR
// text.
func structuralFlags(text string) []string {
	var flags []string

	if len(text) < 40 {
		flags = append(flags, "sparse_text")
	}

	var letters, digits, others int
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case unicode.IsSpace(r):
		default:
			others++
		}
	}
	total := letters + digits + others
	if total > 0 && float64(others)/float64(total) > 0.25 {
		flags = append(flags, "high_symbol_ratio")
	}

	lines := strings.Split(text, "\n")
	empty := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			empty++
		}
	}
	if len(lines) > 4 && float64(empty)/float64(len(lines)) > 0.5 {
		flags = append(flags, "fragmented_lines")
	}

	return flags
}
