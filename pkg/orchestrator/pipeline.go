// Package orchestrator drives the five restoration agents over one
// shared analysis: Scanner alone, then Linguist, Historian, and Validator
// in parallel with their outputs merged into a single causal stream, then
// RepairAdvisor alone, and finally seals the ResurrectionResult.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manuscriptlab/palimpsest/pkg/agent"
	"github.com/manuscriptlab/palimpsest/pkg/metrics"
	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// stageBuffer bounds each Stage-B agent's output buffer. Once full, the
// agent blocks at its next emit, which is transport back-pressure propagated all
// the way up.
const stageBuffer = 8

// Pipeline executes submissions. Safe for concurrent use; all run state
// lives in the Analysis.
type Pipeline struct {
	scanner   *agent.Scanner
	linguist  *agent.Linguist
	historian *agent.Historian
	validator *agent.Validator
	repair    *agent.RepairAdvisor
}

// New assembles a pipeline from the five agents.
func New(
	scanner *agent.Scanner,
	linguist *agent.Linguist,
	historian *agent.Historian,
	validator *agent.Validator,
	repair *agent.RepairAdvisor,
) *Pipeline {
	return &Pipeline{
		scanner:   scanner,
		linguist:  linguist,
		historian: historian,
		validator: validator,
		repair:    repair,
	}
}

// Execute runs the full pipeline, sending every agent message to out in
// causal order. It returns the sealed result, or an error when the run
// was cancelled or an agent violated its contract. The caller owns out
// and closes it after Execute returns.
func (p *Pipeline) Execute(ctx context.Context, analysis *agent.Analysis, out chan<- models.AgentMessage) (*models.ResurrectionResult, error) {
	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(analysis.StartedAt).Seconds())
	}()

	// Stage A: Scanner runs alone; its completion is observed (Process
	// returned) before Stage B starts, so every Scanner write is visible
	// to the parallel agents.
	if err := p.runSequential(ctx, p.scanner, analysis, out); err != nil {
		return nil, err
	}

	// Stage B: parallel fan-out, degree 3, merged by timestamp.
	if err := p.runParallel(ctx, analysis, out); err != nil {
		return nil, err
	}

	// Overall confidence is the Validator's aggregation, applied once all
	// Stage-B findings are in place.
	p.validator.AggregateOverall(analysis)

	// Stage C: RepairAdvisor reads every prior finding.
	if err := p.runSequential(ctx, p.repair, analysis, out); err != nil {
		return nil, err
	}

	return seal(analysis), nil
}

// runSequential executes one agent directly on the output stream.
func (p *Pipeline) runSequential(ctx context.Context, ag agent.Agent, analysis *agent.Analysis, out chan<- models.AgentMessage) error {
	emitter := agent.NewEmitter(ctx, ag.Role(), out)
	if err := ag.Process(ctx, analysis, emitter); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent %s violated its contract: %w", ag.Role(), err)
	}
	return nil
}

// runParallel fans out the three Stage-B agents and merges their streams.
func (p *Pipeline) runParallel(ctx context.Context, analysis *agent.Analysis, out chan<- models.AgentMessage) error {
	agents := [3]agent.Agent{p.linguist, p.historian, p.validator}
	var chans [3]chan models.AgentMessage
	for i := range chans {
		chans[i] = make(chan models.AgentMessage, stageBuffer)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range agents {
		ag, ch := agents[i], chans[i]
		g.Go(func() error {
			defer close(ch)
			emitter := agent.NewEmitter(gctx, ag.Role(), ch)
			return ag.Process(gctx, analysis, emitter)
		})
	}

	streams := [3]<-chan models.AgentMessage{chans[0], chans[1], chans[2]}
	mergeErr := mergeParallel(ctx, out, streams, models.RoleScanner)

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("parallel stage failed: %w", err)
	}
	return mergeErr
}

// seal constructs the immutable result from the final analysis.
func seal(analysis *agent.Analysis) *models.ResurrectionResult {
	enhancedB64, applied := analysis.EnhancedImage()
	hotspots, recommendations := analysis.RepairOutput()
	findings := analysis.AllFindings()

	var issues []string
	for _, h := range hotspots {
		issues = append(issues, h.DamageType)
	}

	var structuralFlags []string
	if f, ok := findings[models.RoleValidator]; ok {
		if raw := f.Artifacts["structural_flags"]; raw != "" {
			structuralFlags = splitNonEmpty(raw)
		}
	}

	documentType := "manuscript"
	if f, ok := findings[models.RoleHistorian]; ok && f.Artifacts["figures_matched"] != "0" && f.Artifacts["figures_matched"] != "" {
		documentType = "historical manuscript"
	}

	if hotspots == nil {
		hotspots = []models.DamageHotspot{}
	}
	if recommendations == nil {
		recommendations = []string{}
	}

	return &models.ResurrectionResult{
		OverallConfidence:     analysis.Overall(),
		ProcessingTimeMS:      time.Since(analysis.StartedAt).Milliseconds(),
		RawOCRText:            analysis.RawOCR(),
		TransliteratedText:    analysis.Transliteration(),
		EnhancedImageBase64:   enhancedB64,
		RepairRecommendations: recommendations,
		DamageHotspots:        hotspots,
		RestorationSummary: models.RestorationSummary{
			DocumentType:        documentType,
			IssuesDetected:      issues,
			EnhancementsApplied: applied,
			QualityScore:        analysis.Overall(),
			StructuralFlags:     structuralFlags,
		},
	}
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
