package reference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransliterate(t *testing.T) {
	d := Builtin()

	tests := []struct {
		in, want string
	}{
		{"ɓaɓa", "baba"},
		{"huroŋo", "hurong'o"},
		{"ɀino", "zvino"},
		{"ȿondo", "svondo"},
		{"plain ascii text", "plain ascii text"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Transliterate(tt.in), "input %q", tt.in)
	}
}

func TestTransliterateLongestMatchFirst(t *testing.T) {
	d := Builtin()
	d.CharacterMap = map[string]string{"a": "1", "ab": "2"}
	d.indexCharacterMap()

	assert.Equal(t, "2c1", d.Transliterate("abca"))
}

func TestMatchFigures(t *testing.T) {
	d := Builtin()

	matches := d.MatchFigures("A letter concerning Mbuya Nehanda and the 1896 rising")
	require.Len(t, matches, 1)
	assert.Equal(t, "Nehanda Nyakasikana", matches[0].Name)

	matches = d.MatchFigures("LOBENGULA granted the concession")
	require.Len(t, matches, 1)
	assert.Equal(t, "Lobengula", matches[0].Name)

	assert.Empty(t, d.MatchFigures("no names here"))
}

func TestClassByType(t *testing.T) {
	d := Builtin()

	c, ok := d.ClassByType("water_damage")
	require.True(t, ok)
	assert.Equal(t, "high", c.Severity)
	assert.NotEmpty(t, c.Recommendation)

	_, ok = d.ClassByType("asteroid_strike")
	assert.False(t, ok)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "character_map.json"),
		[]byte(`{"q":"kw"}`), 0o600))

	d, err := Load(dir)
	require.NoError(t, err)

	// Overridden table replaces the built-in one entirely.
	assert.Equal(t, "kwik", d.Transliterate("qik"))
	// Untouched tables keep their built-ins.
	assert.NotEmpty(t, d.Figures)
	assert.NotEmpty(t, d.DamageClasses)
}

func TestLoadRejectsMalformedTable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "figures.json"),
		[]byte(`{broken`), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadEmptyDirUsesBuiltins(t *testing.T) {
	d, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "baba", d.Transliterate("ɓaɓa"))
}
