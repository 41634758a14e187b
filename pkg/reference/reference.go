// Package reference holds the injected domain reference data: the
// Doke-orthography Shona character map, known historical figures, and the
// damage taxonomy. Built-in defaults can be overridden per table by JSON
// files in a configured directory.
package reference

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Figure is one known historical person the Historian can match.
type Figure struct {
	Name string `json:"name"`
	Era  string `json:"era"`
	Role string `json:"role"`
}

// DamageClass is one entry of the damage taxonomy with the rule-based
// defaults the RepairAdvisor falls back to.
type DamageClass struct {
	Type           string   `json:"type"`
	Severity       string   `json:"severity"`
	Indicators     []string `json:"indicators"`
	Recommendation string   `json:"recommendation"`
	DefaultX       float64  `json:"default_x"`
	DefaultY       float64  `json:"default_y"`
	DefaultRadius  float64  `json:"default_radius"`
}

// Data bundles all injected reference tables.
type Data struct {
	CharacterMap  map[string]string `json:"character_map"`
	Figures       []Figure          `json:"figures"`
	DamageClasses []DamageClass     `json:"damage_classes"`

	// mapKeys is CharacterMap's key set sorted longest-first, so
	// transliteration is deterministic and multi-rune sequences win
	// over their prefixes.
	mapKeys []string
}

// Builtin returns the default reference dataset.
func Builtin() *Data {
	d := &Data{
		// Doke (1931) unified-orthography characters and their modern
		// Shona equivalents.
		CharacterMap: map[string]string{
			"ɓ": "b",
			"ɗ": "d",
			"ŋ": "ng'",
			"ȿ": "sv",
			"ɀ": "zv",
			"ʋ": "v",
			"ᶍ": "x",
			"ɣ": "g",
			"ʃ": "sh",
			"ʒ": "zh",
		},
		Figures: []Figure{
			{Name: "Nehanda Nyakasikana", Era: "1840-1898", Role: "spirit medium"},
			{Name: "Sekuru Kaguvi", Era: "1850-1898", Role: "spirit medium"},
			{Name: "Lobengula", Era: "1845-1894", Role: "Ndebele king"},
			{Name: "Mzilikazi", Era: "1790-1868", Role: "Ndebele king"},
			{Name: "Chaminuka", Era: "19th century", Role: "spirit medium"},
			{Name: "Nyatsimba Mutota", Era: "15th century", Role: "Mutapa founder"},
			{Name: "Clement Doke", Era: "1893-1980", Role: "linguist"},
		},
		DamageClasses: []DamageClass{
			{
				Type: "water_damage", Severity: "high",
				Indicators:     []string{"tide lines", "cockling", "ink bleed"},
				Recommendation: "Interleave with blotting paper and dry flat under light weight; consult a conservator before any aqueous treatment.",
				DefaultX:       20, DefaultY: 15, DefaultRadius: 18,
			},
			{
				Type: "foxing", Severity: "medium",
				Indicators:     []string{"brown spots", "rust-coloured stains"},
				Recommendation: "Store below 50% relative humidity; do not bleach; document the spotting photographically.",
				DefaultX:       65, DefaultY: 30, DefaultRadius: 10,
			},
			{
				Type: "ink_fading", Severity: "medium",
				Indicators:     []string{"low contrast", "ghost strokes"},
				Recommendation: "Digitise under raking and UV light before further handling; avoid light exposure in storage.",
				DefaultX:       50, DefaultY: 50, DefaultRadius: 30,
			},
			{
				Type: "edge_tears", Severity: "low",
				Indicators:     []string{"marginal loss", "fibre separation"},
				Recommendation: "Repair with wheat-starch paste and Japanese tissue; never use pressure-sensitive tape.",
				DefaultX:       8, DefaultY: 85, DefaultRadius: 12,
			},
			{
				Type: "mold", Severity: "high",
				Indicators:     []string{"fuzzy growth", "purple staining"},
				Recommendation: "Isolate the document immediately and freeze; remediate in a fume hood only.",
				DefaultX:       80, DefaultY: 70, DefaultRadius: 15,
			},
		},
	}
	d.indexCharacterMap()
	return d
}

// Load reads per-table JSON overrides from dir (character_map.json,
// figures.json, damage_classes.json). Missing files keep their built-in
// tables; an unreadable or malformed file is an error.
func Load(dir string) (*Data, error) {
	d := Builtin()
	if dir == "" {
		return d, nil
	}

	if err := loadJSON(filepath.Join(dir, "character_map.json"), &d.CharacterMap); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, "figures.json"), &d.Figures); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, "damage_classes.json"), &d.DamageClasses); err != nil {
		return nil, err
	}
	d.indexCharacterMap()
	return d, nil
}

func loadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read reference table %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse reference table %s: %w", path, err)
	}
	return nil
}

func (d *Data) indexCharacterMap() {
	d.mapKeys = make([]string, 0, len(d.CharacterMap))
	for k := range d.CharacterMap {
		d.mapKeys = append(d.mapKeys, k)
	}
	sort.Slice(d.mapKeys, func(i, j int) bool {
		if len(d.mapKeys[i]) != len(d.mapKeys[j]) {
			return len(d.mapKeys[i]) > len(d.mapKeys[j])
		}
		return d.mapKeys[i] < d.mapKeys[j]
	})
}

// Transliterate rewrites Doke-orthography text into the modern alphabet,
// applying the longest mapping first. Unmapped runes pass through.
func (d *Data) Transliterate(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		matched := false
		for _, key := range d.mapKeys {
			if strings.HasPrefix(text[i:], key) {
				b.WriteString(d.CharacterMap[key])
				i += len(key)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// MatchFigures returns the known figures whose names appear in the text.
// Matching is case-insensitive and accepts any single name component of
// four or more characters (archival texts often carry one name only).
func (d *Data) MatchFigures(text string) []Figure {
	lower := strings.ToLower(text)
	var matches []Figure
	for _, f := range d.Figures {
		name := strings.ToLower(f.Name)
		if strings.Contains(lower, name) {
			matches = append(matches, f)
			continue
		}
		for _, part := range strings.Fields(name) {
			if len(part) >= 4 && strings.Contains(lower, part) {
				matches = append(matches, f)
				break
			}
		}
	}
	return matches
}

// ClassByType returns the damage class for a taxonomy type, if known.
func (d *Data) ClassByType(damageType string) (DamageClass, bool) {
	for _, c := range d.DamageClasses {
		if c.Type == damageType {
			return c, true
		}
	}
	return DamageClass{}, false
}
