package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/enhance"
	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
)

// stubLLM is a canned invoker.Client.
type stubLLM struct {
	text  string
	err   error
	calls int
}

func (s *stubLLM) Invoke(_ context.Context, _ invoker.Request) (*invoker.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &invoker.Response{Text: s.text, InputTokens: 10, OutputTokens: 20}, nil
}

func testParams(role models.Role) Params {
	return DefaultParams(role, "vision-model", "text-model")
}

// runAgent drives one agent to completion and returns its messages.
func runAgent(t *testing.T, ag Agent, analysis *Analysis) []models.AgentMessage {
	t.Helper()
	ch := make(chan models.AgentMessage, 64)
	e := NewEmitter(context.Background(), ag.Role(), ch)
	require.NoError(t, ag.Process(context.Background(), analysis, e))
	close(ch)

	var msgs []models.AgentMessage
	for m := range ch {
		msgs = append(msgs, m)
	}
	return msgs
}

// assertContract checks the universal message contract: activation first
// (no confidence), completion last (with confidence), all from one role,
// timestamps non-decreasing.
func assertContract(t *testing.T, msgs []models.AgentMessage, role models.Role) {
	t.Helper()
	require.GreaterOrEqual(t, len(msgs), 2)

	first, last := msgs[0], msgs[len(msgs)-1]
	assert.True(t, first.IsActivation(), "first message must be the activation notice")
	assert.Nil(t, first.Confidence, "activation carries no confidence")
	assert.True(t, last.IsCompletion(), "last message must be the completion notice")
	require.NotNil(t, last.Confidence)

	for i, m := range msgs {
		assert.Equal(t, role, m.Role)
		if m.Confidence != nil {
			assert.GreaterOrEqual(t, *m.Confidence, 0.0)
			assert.LessOrEqual(t, *m.Confidence, 100.0)
		}
		if i > 0 {
			assert.False(t, m.Timestamp.Before(msgs[i-1].Timestamp),
				"timestamps must be non-decreasing within an agent")
		}
	}
}

const dokeSample = "ɓaɓa ʋedu ɀino huroŋo hwaNehanda Nyakasikana hunoramba huripo"

func TestScannerHappyPath(t *testing.T) {
	llm := &stubLLM{text: strings.Repeat(dokeSample+"\n", 8)}
	scanner := NewScanner(testParams(models.RoleScanner), llm, enhance.PassThrough{})
	analysis := NewAnalysis("sub-1", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3})

	msgs := runAgent(t, scanner, analysis)
	assertContract(t, msgs, models.RoleScanner)

	assert.NotEmpty(t, analysis.RawOCR())
	b64, applied := analysis.EnhancedImage()
	assert.NotEmpty(t, b64)
	assert.Empty(t, applied)

	f, ok := analysis.FindingsFor(models.RoleScanner)
	require.True(t, ok)
	assert.Greater(t, f.Confidence, 60.0)
	assert.Equal(t, "png", f.Artifacts["image_format"])
}

func TestScannerFallbackOnModelError(t *testing.T) {
	llm := &stubLLM{err: &invoker.ModelError{StatusCode: 503, Reason: "overloaded"}}
	scanner := NewScanner(testParams(models.RoleScanner), llm, enhance.PassThrough{})
	analysis := NewAnalysis("sub-1", []byte{0xFF, 0xD8, 0xFF, 1})

	msgs := runAgent(t, scanner, analysis)
	assertContract(t, msgs, models.RoleScanner)

	fallbacks := 0
	for _, m := range msgs {
		if m.Section == models.SectionFallback {
			fallbacks++
		}
	}
	assert.Equal(t, 1, fallbacks, "exactly one fallback-tagged message")
	assert.Empty(t, analysis.RawOCR())

	last := msgs[len(msgs)-1]
	assert.LessOrEqual(t, *last.Confidence, 20.0)
}

func TestScannerFallbackOnBudgetExceeded(t *testing.T) {
	llm := &stubLLM{err: budget.ErrBudgetExceeded}
	scanner := NewScanner(testParams(models.RoleScanner), llm, enhance.PassThrough{})
	analysis := NewAnalysis("sub-1", []byte{0xFF, 0xD8, 0xFF, 1})

	msgs := runAgent(t, scanner, analysis)
	assertContract(t, msgs, models.RoleScanner)

	var sawFallback bool
	for _, m := range msgs {
		if m.Section == models.SectionFallback {
			sawFallback = true
			assert.Contains(t, m.Text, "budget")
		}
	}
	assert.True(t, sawFallback)
}

func TestLinguistTransliterates(t *testing.T) {
	llm := &stubLLM{text: "baba vedu zvino hurongwa hwaNehanda"}
	linguist := NewLinguist(testParams(models.RoleLinguist), llm, reference.Builtin())
	analysis := NewAnalysis("sub-1", nil)
	analysis.SetScanOutput("", nil, dokeSample)

	msgs := runAgent(t, linguist, analysis)
	assertContract(t, msgs, models.RoleLinguist)

	assert.Equal(t, "baba vedu zvino hurongwa hwaNehanda", analysis.Transliteration())
	_, ok := analysis.FindingsFor(models.RoleLinguist)
	assert.True(t, ok)
}

func TestLinguistFallbackKeepsTablePass(t *testing.T) {
	llm := &stubLLM{err: invoker.ErrTimeout}
	linguist := NewLinguist(testParams(models.RoleLinguist), llm, reference.Builtin())
	analysis := NewAnalysis("sub-1", nil)
	analysis.SetScanOutput("", nil, "ɓaɓa ɀino")

	msgs := runAgent(t, linguist, analysis)
	assertContract(t, msgs, models.RoleLinguist)

	assert.Equal(t, "baba zvino", analysis.Transliteration(),
		"fallback keeps the deterministic character-map pass")
}

func TestLinguistNoInput(t *testing.T) {
	llm := &stubLLM{}
	linguist := NewLinguist(testParams(models.RoleLinguist), llm, reference.Builtin())
	analysis := NewAnalysis("sub-1", nil)

	msgs := runAgent(t, linguist, analysis)
	require.GreaterOrEqual(t, len(msgs), 2)

	var sawNoInput bool
	for _, m := range msgs {
		if m.Section == models.SectionNoInput {
			sawNoInput = true
		}
	}
	assert.True(t, sawNoInput)

	last := msgs[len(msgs)-1]
	assert.True(t, last.IsCompletion())
	assert.Equal(t, 0.0, *last.Confidence)

	_, ok := analysis.FindingsFor(models.RoleLinguist)
	assert.False(t, ok, "no findings are written on the no-input path")
	assert.Equal(t, 0, llm.calls, "no model call without input")
}

func TestHistorianMatchesFigures(t *testing.T) {
	llm := &stubLLM{text: "Likely 1890s correspondence referencing the First Chimurenga."}
	historian := NewHistorian(testParams(models.RoleHistorian), llm, reference.Builtin())
	analysis := NewAnalysis("sub-1", nil)
	analysis.SetScanOutput("", nil, "a report on Nehanda and Kaguvi, 1897")

	msgs := runAgent(t, historian, analysis)
	assertContract(t, msgs, models.RoleHistorian)

	f, ok := analysis.FindingsFor(models.RoleHistorian)
	require.True(t, ok)
	assert.Equal(t, "2", f.Artifacts["figures_matched"])
	assert.NotEqual(t, "undetermined", f.Artifacts["era"])
}

func TestValidatorStructuralFlags(t *testing.T) {
	llm := &stubLLM{text: "none"}
	validator := NewValidator(testParams(models.RoleValidator), llm)
	analysis := NewAnalysis("sub-1", nil)
	analysis.SetScanOutput("", nil, "@@@ ### $$$ %%%")

	msgs := runAgent(t, validator, analysis)
	assertContract(t, msgs, models.RoleValidator)

	f, ok := analysis.FindingsFor(models.RoleValidator)
	require.True(t, ok)
	assert.Contains(t, f.Artifacts["structural_flags"], "high_symbol_ratio")
	assert.Contains(t, f.Artifacts["structural_flags"], "sparse_text")
}

func TestAggregateOverall(t *testing.T) {
	validator := NewValidator(testParams(models.RoleValidator), &stubLLM{})
	analysis := NewAnalysis("sub-1", nil)
	analysis.PutFindings(models.Findings{Role: models.RoleScanner, Confidence: 80})
	analysis.PutFindings(models.Findings{Role: models.RoleLinguist, Confidence: 70})
	analysis.PutFindings(models.Findings{Role: models.RoleHistorian, Confidence: 60})
	analysis.PutFindings(models.Findings{Role: models.RoleValidator, Confidence: 50})
	// RepairAdvisor findings must not contribute.
	analysis.PutFindings(models.Findings{Role: models.RoleRepairAdvisor, Confidence: 100})

	overall := validator.AggregateOverall(analysis)
	want := 0.35*80 + 0.20*70 + 0.25*60 + 0.20*50
	assert.InDelta(t, want, overall, 1e-9)
	assert.InDelta(t, want, analysis.Overall(), 1e-9)
}

func TestAggregateOverallMissingFindings(t *testing.T) {
	validator := NewValidator(testParams(models.RoleValidator), &stubLLM{})
	analysis := NewAnalysis("sub-1", nil)
	analysis.PutFindings(models.Findings{Role: models.RoleScanner, Confidence: 40})

	overall := validator.AggregateOverall(analysis)
	assert.InDelta(t, 0.35*40, overall, 1e-9)
}

func TestRepairAdvisorFallback(t *testing.T) {
	llm := &stubLLM{err: &invoker.ModelError{StatusCode: 500, Reason: "down"}}
	advisor := NewRepairAdvisor(testParams(models.RoleRepairAdvisor), llm, reference.Builtin())
	analysis := NewAnalysis("sub-1", nil)
	analysis.SetScanOutput("aW1n", []string{"denoise", "contrast_stretch"}, "some text")
	analysis.PutFindings(models.Findings{Role: models.RoleScanner, Confidence: 30})

	msgs := runAgent(t, advisor, analysis)
	assertContract(t, msgs, models.RoleRepairAdvisor)

	hotspots, recommendations := analysis.RepairOutput()
	require.NotEmpty(t, hotspots)
	require.NotEmpty(t, recommendations)
	for _, h := range hotspots {
		assert.GreaterOrEqual(t, h.X, 0.0)
		assert.LessOrEqual(t, h.X, 100.0)
		assert.GreaterOrEqual(t, h.Y, 0.0)
		assert.LessOrEqual(t, h.Y, 100.0)
		assert.GreaterOrEqual(t, h.Radius, 0.0)
		assert.LessOrEqual(t, h.Radius, 100.0)
		assert.NotEmpty(t, h.DamageType)
	}

	// denoise → foxing, contrast → ink_fading, low scanner conf → water_damage
	types := make(map[string]bool)
	for _, h := range hotspots {
		types[h.DamageType] = true
	}
	assert.True(t, types["foxing"])
	assert.True(t, types["ink_fading"])
	assert.True(t, types["water_damage"])
}

func TestAgentStopsOnCancelledPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	llm := &stubLLM{text: "ignored"}
	scanner := NewScanner(testParams(models.RoleScanner), llm, enhance.PassThrough{})
	analysis := NewAnalysis("sub-1", []byte{0xFF, 0xD8, 0xFF, 1})

	ch := make(chan models.AgentMessage) // unbuffered: first emit blocks
	e := NewEmitter(ctx, models.RoleScanner, ch)

	err := scanner.Process(ctx, analysis, e)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitterMonotonicTimestamps(t *testing.T) {
	ch := make(chan models.AgentMessage, 4)
	e := NewEmitter(context.Background(), models.RoleScanner, ch)

	// Clock that runs backwards; emitted timestamps must not.
	base := time.Now()
	step := 0
	e.now = func() time.Time {
		step++
		return base.Add(time.Duration(-step) * time.Second)
	}

	require.NoError(t, e.Emit(models.AgentMessage{Text: "a"}))
	require.NoError(t, e.Emit(models.AgentMessage{Text: "b"}))
	close(ch)

	m1 := <-ch
	m2 := <-ch
	assert.False(t, m2.Timestamp.Before(m1.Timestamp))
}
