package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
)

const linguistSystemPrompt = `You are a Shona linguist specialising in the Doke orthography (1931-1955).
Refine the transliteration below into modern Shona orthography. Correct
obvious OCR confusions but never invent text. Output only the refined
transliteration.`

// Linguist is a Stage-B agent: it transliterates the Scanner's OCR text
// from Doke orthography into the modern alphabet, with a model-assisted
// refinement pass on top of the deterministic character map.
type Linguist struct {
	base
	ref *reference.Data
}

// NewLinguist creates the Linguist with its reference tables.
func NewLinguist(params Params, llm invoker.Client, ref *reference.Data) *Linguist {
	return &Linguist{base: base{params: params, llm: llm}, ref: ref}
}

// Process implements Agent.
func (l *Linguist) Process(ctx context.Context, analysis *Analysis, e *Emitter) error {
	if err := l.activate(e, "Linguist engaged: transliterating Doke orthography"); err != nil {
		return err
	}

	rawOCR := analysis.RawOCR()
	if rawOCR == "" {
		return l.completeNoInput(e, "OCR text")
	}

	tableResult := l.ref.Transliterate(rawOCR)
	substitutions := countDifferences(rawOCR, tableResult)
	if err := e.Emit(models.AgentMessage{
		Text:     fmt.Sprintf("Character-map pass complete: %d Doke sequences converted", substitutions),
		Metadata: map[string]any{"substitutions": substitutions},
	}); err != nil {
		return err
	}

	confidence := clamp(55+float64(substitutions)*3, 40, 85)
	transliterated := tableResult

	refined, ok, err := l.ask(ctx, e, linguistSystemPrompt, tableResult)
	if err != nil {
		return err
	}
	if ok && strings.TrimSpace(refined) != "" {
		transliterated = strings.TrimSpace(refined)
		confidence = clamp(confidence+10, 0, 92)
		if emitErr := e.Emit(models.AgentMessage{
			Text:       "Model refinement accepted",
			Confidence: models.Conf(confidence),
		}); emitErr != nil {
			return emitErr
		}
	}

	analysis.SetTransliteration(transliterated)
	analysis.PutFindings(models.Findings{
		Role:       models.RoleLinguist,
		Confidence: confidence,
		KeyFindings: []string{
			fmt.Sprintf("Doke sequences converted: %d", substitutions),
			fmt.Sprintf("transliterated length: %d", len(transliterated)),
		},
		Artifacts: map[string]string{
			"substitutions": fmt.Sprintf("%d", substitutions),
		},
	})

	return l.complete(e, confidence, "Transliteration complete")
}

// countDifferences counts the positions where the table pass changed the
// text, as a proxy for how much Doke orthography the document carries.
func countDifferences(before, after string) int {
	if before == after {
		return 0
	}
	// Count mapped sequences by re-running the byte-level comparison on
	// rune boundaries: every rune in before that does not survive into
	// after at the same relative offset was part of a substitution.
	count := 0
	b, a := []rune(before), []rune(after)
	i, j := 0, 0
	for i < len(b) && j < len(a) {
		if b[i] == a[j] {
			i++
			j++
			continue
		}
		count++
		i++
		// Skip ahead in after until realigned or exhausted; mapped
		// outputs are short (≤3 runes).
		for skip := 0; skip < 3 && j < len(a); skip++ {
			if i < len(b) && a[j] == b[i] {
				break
			}
			j++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}
