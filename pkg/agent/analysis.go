package agent

import (
	"sync"
	"time"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// Analysis is the shared per-submission record threaded through all
// agents. A single mutex guards every field; critical sections are short
// and never span a model call or an emit. Stage ordering (Scanner before
// Stage B, Stage B before RepairAdvisor) is enforced by the orchestrator,
// not here.
type Analysis struct {
	mu sync.Mutex

	SubmissionID string
	Image        []byte
	StartedAt    time.Time

	enhancedImageB64 string
	applied          []string
	rawOCR           string
	transliterated   string

	findings map[models.Role]models.Findings

	hotspots        []models.DamageHotspot
	recommendations []string
	overall         float64
}

// NewAnalysis creates the context for one submission. The image bytes are
// borrowed for the duration of the run.
func NewAnalysis(submissionID string, image []byte) *Analysis {
	return &Analysis{
		SubmissionID: submissionID,
		Image:        image,
		StartedAt:    time.Now(),
		findings:     make(map[models.Role]models.Findings),
	}
}

// SetScanOutput records the Scanner-owned fields.
func (a *Analysis) SetScanOutput(enhancedB64 string, applied []string, rawOCR string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enhancedImageB64 = enhancedB64
	a.applied = append([]string(nil), applied...)
	a.rawOCR = rawOCR
}

// RawOCR returns the Scanner's extracted text.
func (a *Analysis) RawOCR() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rawOCR
}

// EnhancedImage returns the base64 enhanced image and the applied steps.
func (a *Analysis) EnhancedImage() (string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enhancedImageB64, append([]string(nil), a.applied...)
}

// SetTransliteration records the Linguist-owned field.
func (a *Analysis) SetTransliteration(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transliterated = text
}

// Transliteration returns the Linguist's output. Valid to read only after
// Stage B has completed.
func (a *Analysis) Transliteration() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transliterated
}

// PutFindings stores one agent's findings under its role key. Each role
// writes only its own slot, so Stage-B agents never collide.
func (a *Analysis) PutFindings(f models.Findings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findings[f.Role] = f
}

// FindingsFor returns a copy of one role's findings.
func (a *Analysis) FindingsFor(role models.Role) (models.Findings, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.findings[role]
	if !ok {
		return models.Findings{}, false
	}
	return f.Clone(), true
}

// AllFindings returns a copy of the findings map.
func (a *Analysis) AllFindings() map[models.Role]models.Findings {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[models.Role]models.Findings, len(a.findings))
	for role, f := range a.findings {
		out[role] = f.Clone()
	}
	return out
}

// SetRepairOutput records the RepairAdvisor-owned fields.
func (a *Analysis) SetRepairOutput(hotspots []models.DamageHotspot, recommendations []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hotspots = append([]models.DamageHotspot(nil), hotspots...)
	a.recommendations = append([]string(nil), recommendations...)
}

// RepairOutput returns the RepairAdvisor's hotspots and recommendations.
func (a *Analysis) RepairOutput() ([]models.DamageHotspot, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.DamageHotspot(nil), a.hotspots...),
		append([]string(nil), a.recommendations...)
}

// SetOverall records the aggregated overall confidence.
func (a *Analysis) SetOverall(confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overall = confidence
}

// Overall returns the aggregated overall confidence.
func (a *Analysis) Overall() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overall
}
