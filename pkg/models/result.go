package models

// DamageHotspot marks one degraded region of the document. Coordinates and
// radius are percentages of the image dimensions, clamped to [0, 100].
type DamageHotspot struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Radius      float64 `json:"radius"`
	Severity    string  `json:"severity"`
	DamageType  string  `json:"damage_type"`
	Description string  `json:"description"`
}

// RestorationSummary condenses the run for archival display.
type RestorationSummary struct {
	DocumentType        string   `json:"document_type"`
	IssuesDetected      []string `json:"issues_detected"`
	EnhancementsApplied []string `json:"enhancements_applied"`
	QualityScore        float64  `json:"quality_score"`
	StructuralFlags     []string `json:"structural_flags,omitempty"`
}

// ResurrectionResult is the sealed outcome of one pipeline run. Immutable
// once constructed; owned by the dedup cache after completion.
type ResurrectionResult struct {
	OverallConfidence     float64            `json:"overall_confidence"`
	ProcessingTimeMS      int64              `json:"processing_time_ms"`
	RawOCRText            string             `json:"raw_ocr_text"`
	TransliteratedText    string             `json:"transliterated_text"`
	EnhancedImageBase64   string             `json:"enhanced_image_base64"`
	RepairRecommendations []string           `json:"repair_recommendations"`
	DamageHotspots        []DamageHotspot    `json:"damage_hotspots"`
	RestorationSummary    RestorationSummary `json:"restoration_summary"`
}
