package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manuscriptlab/palimpsest/pkg/enhance"
	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
)

const scannerSystemPrompt = `You are an OCR engine for degraded historical documents from the Zimbabwe
National Archives. The documents use the Doke orthography for Shona.
Transcribe every legible character exactly as written, preserving line
breaks. Output only the transcription, no commentary.`

// Scanner is the Stage-A agent: it runs the enhancement capability, asks
// the model for an OCR reading, and establishes the context every later
// agent reads.
type Scanner struct {
	base
	enhancer enhance.Enhancer
}

// NewScanner creates the Scanner with its enhancement backend.
func NewScanner(params Params, llm invoker.Client, enhancer enhance.Enhancer) *Scanner {
	return &Scanner{base: base{params: params, llm: llm}, enhancer: enhancer}
}

// Process implements Agent.
func (s *Scanner) Process(ctx context.Context, analysis *Analysis, e *Emitter) error {
	if err := s.activate(e, "Scanner engaged: preparing document image for extraction"); err != nil {
		return err
	}

	format, _ := enhance.DetectFormat(analysis.Image)

	enhanced, err := s.enhancer.Enhance(ctx, analysis.Image)
	if err != nil {
		slog.Warn("Enhancement failed, using original image",
			"submission_id", analysis.SubmissionID, "error", err)
		enhanced = enhance.Result{Image: analysis.Image}
	}
	if err := e.Emit(models.AgentMessage{
		Text: fmt.Sprintf("Image prepared (%d bytes, %s): %s",
			len(enhanced.Image), orUnknown(format), describeApplied(enhanced.Applied)),
		Metadata: map[string]any{"applied": enhanced.Applied, "format": format},
	}); err != nil {
		return err
	}

	text, ok, err := s.ask(ctx, e, scannerSystemPrompt, s.describeImage(format, enhanced))
	if err != nil {
		return err
	}

	rawOCR := ""
	confidence := 12.0
	if ok {
		rawOCR = strings.TrimSpace(text)
		confidence = clamp(55+float64(len(rawOCR))/20, 0, 95)
		if err := e.Emit(models.AgentMessage{
			Text:       fmt.Sprintf("Extracted %d characters of text", len(rawOCR)),
			Confidence: models.Conf(confidence),
			Metadata:   map[string]any{"ocr_chars": len(rawOCR)},
		}); err != nil {
			return err
		}
	}

	analysis.SetScanOutput(
		base64.StdEncoding.EncodeToString(enhanced.Image),
		enhanced.Applied,
		rawOCR,
	)
	analysis.PutFindings(models.Findings{
		Role:       models.RoleScanner,
		Confidence: confidence,
		KeyFindings: []string{
			fmt.Sprintf("image format: %s", orUnknown(format)),
			fmt.Sprintf("enhancements applied: %d", len(enhanced.Applied)),
			fmt.Sprintf("characters extracted: %d", len(rawOCR)),
		},
		Artifacts: map[string]string{
			"image_format": orUnknown(format),
			"ocr_chars":    fmt.Sprintf("%d", len(rawOCR)),
		},
	})

	return s.complete(e, confidence, "Scan complete: document context established")
}

// describeImage builds the compact textual descriptor sent to the model.
// The invoker truncates it to its input bound.
func (s *Scanner) describeImage(format string, enhanced enhance.Result) string {
	head := base64.StdEncoding.EncodeToString(enhanced.Image)
	if len(head) > 1024 {
		head = head[:1024]
	}
	return fmt.Sprintf("format=%s size=%d applied=%s data=%s",
		orUnknown(format), len(enhanced.Image), strings.Join(enhanced.Applied, ","), head)
}

func describeApplied(applied []string) string {
	if len(applied) == 0 {
		return "no enhancement steps applied"
	}
	return "applied " + strings.Join(applied, ", ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
