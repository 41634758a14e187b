package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
)

const repairSystemPrompt = `You are a paper conservator advising on a degraded archival document.
Given the analysis summary below, describe the likely physical damage and
give concrete, conservative handling recommendations. Be brief.`

// RepairAdvisor is the Stage-C agent: it runs after the parallel stage
// with read access to every prior finding, and produces damage hotspots
// and conservation recommendations.
type RepairAdvisor struct {
	base
	ref *reference.Data
}

// NewRepairAdvisor creates the RepairAdvisor with the damage taxonomy.
func NewRepairAdvisor(params Params, llm invoker.Client, ref *reference.Data) *RepairAdvisor {
	return &RepairAdvisor{base: base{params: params, llm: llm}, ref: ref}
}

// Process implements Agent.
func (r *RepairAdvisor) Process(ctx context.Context, analysis *Analysis, e *Emitter) error {
	if err := r.activate(e, "Repair advisor engaged: assessing physical condition"); err != nil {
		return err
	}

	damageTypes := r.detectDamage(analysis)
	if err := e.Emit(models.AgentMessage{
		Text:     fmt.Sprintf("Damage classes detected: %s", strings.Join(damageTypes, ", ")),
		Metadata: map[string]any{"damage_types": damageTypes},
	}); err != nil {
		return err
	}

	hotspots, recommendations := r.fromTaxonomy(damageTypes)
	confidence := clamp(40+10*float64(len(damageTypes)), 30, 80)

	advice, ok, err := r.ask(ctx, e, repairSystemPrompt, r.summarize(analysis, damageTypes))
	if err != nil {
		return err
	}
	if ok && strings.TrimSpace(advice) != "" {
		recommendations = append([]string{firstLine(advice)}, recommendations...)
		confidence = clamp(confidence+10, 0, 90)
		if emitErr := e.Emit(models.AgentMessage{
			Text:       firstLine(advice),
			Confidence: models.Conf(confidence),
			Section:    "conservation_advice",
		}); emitErr != nil {
			return emitErr
		}
	}

	analysis.SetRepairOutput(hotspots, recommendations)
	analysis.PutFindings(models.Findings{
		Role:       models.RoleRepairAdvisor,
		Confidence: confidence,
		KeyFindings: append(
			[]string{fmt.Sprintf("damage classes: %d", len(damageTypes))},
			damageTypes...),
		Artifacts: map[string]string{
			"damage_types": strings.Join(damageTypes, ","),
		},
	})

	return r.complete(e, confidence, "Conservation assessment complete")
}

// detectDamage maps the accumulated findings onto taxonomy classes. The
// rules are deterministic so a full-fallback run still yields a usable
// assessment.
func (r *RepairAdvisor) detectDamage(analysis *Analysis) []string {
	var types []string
	seen := make(map[string]bool)
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	_, applied := analysis.EnhancedImage()
	for _, step := range applied {
		switch {
		case strings.Contains(step, "denoise"):
			add("foxing")
		case strings.Contains(step, "contrast"), strings.Contains(step, "clahe"):
			add("ink_fading")
		case strings.Contains(step, "deskew"):
			add("edge_tears")
		}
	}

	if f, ok := analysis.FindingsFor(models.RoleScanner); ok && f.Confidence < 40 {
		add("water_damage")
	}
	if f, ok := analysis.FindingsFor(models.RoleValidator); ok {
		flags := f.Artifacts["structural_flags"]
		if strings.Contains(flags, "sparse_text") {
			add("edge_tears")
		}
		if strings.Contains(flags, "high_symbol_ratio") {
			add("ink_fading")
		}
	}

	if len(types) == 0 {
		add("ink_fading")
	}
	return types
}

// fromTaxonomy builds hotspots and recommendations from the damage
// taxonomy defaults. Coordinates are clamped to the percentage range.
func (r *RepairAdvisor) fromTaxonomy(damageTypes []string) ([]models.DamageHotspot, []string) {
	var hotspots []models.DamageHotspot
	var recommendations []string
	for _, dt := range damageTypes {
		class, ok := r.ref.ClassByType(dt)
		if !ok {
			class = reference.DamageClass{
				Type: dt, Severity: "unknown",
				Recommendation: "Refer to a conservator for assessment.",
				DefaultX:       50, DefaultY: 50, DefaultRadius: 20,
			}
		}
		hotspots = append(hotspots, models.DamageHotspot{
			X:           clamp(class.DefaultX, 0, 100),
			Y:           clamp(class.DefaultY, 0, 100),
			Radius:      clamp(class.DefaultRadius, 0, 100),
			Severity:    class.Severity,
			DamageType:  class.Type,
			Description: strings.Join(class.Indicators, "; "),
		})
		recommendations = append(recommendations, class.Recommendation)
	}
	return hotspots, recommendations
}

// summarize condenses the run for the conservation prompt.
func (r *RepairAdvisor) summarize(analysis *Analysis, damageTypes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "damage classes: %s\n", strings.Join(damageTypes, ", "))
	for role, f := range analysis.AllFindings() {
		fmt.Fprintf(&b, "%s confidence %.0f: %s\n", role, f.Confidence, strings.Join(f.KeyFindings, "; "))
	}
	return b.String()
}
