package models

// Findings is the structured output one agent writes into the shared
// analysis context before its completion message. The Role tag keeps the
// findings map a tagged variant over the closed role set rather than a
// free-form property bag, so downstream aggregation is total.
type Findings struct {
	Role        Role              `json:"role"`
	Confidence  float64           `json:"confidence"` // 0–100
	KeyFindings []string          `json:"key_findings,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// Clone returns a deep copy so callers can read findings without holding
// the context lock.
func (f Findings) Clone() Findings {
	out := Findings{Role: f.Role, Confidence: f.Confidence}
	if f.KeyFindings != nil {
		out.KeyFindings = append([]string(nil), f.KeyFindings...)
	}
	if f.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(f.Artifacts))
		for k, v := range f.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return out
}
