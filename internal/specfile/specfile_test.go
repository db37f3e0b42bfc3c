package specfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAMLNormalizesKeys(t *testing.T) {
	doc, err := Parse([]byte(`
entities:
  Order:
    fields:
      total: {type: float}
codes:
  1: one
  true: yes
`))
	require.NoError(t, err)
	root, ok := doc.(map[string]any)
	require.True(t, ok)
	codes, ok := root["codes"].(map[string]any)
	require.True(t, ok, "non-string keys must be stringified, got %T", root["codes"])
	assert.Equal(t, "one", codes["1"])
	assert.Equal(t, "yes", codes["true"])

	_, err = Canonical(doc)
	require.NoError(t, err)
}

func TestParseJSONAndEmpty(t *testing.T) {
	doc, err := Parse([]byte(`{"entities": {"A": {"fields": {"n": {"type": "int", "default": 3}}}}}`))
	require.NoError(t, err)
	n := doc.(map[string]any)["entities"].(map[string]any)["A"].(map[string]any)["fields"].(map[string]any)["n"].(map[string]any)
	assert.Equal(t, 3, n["default"])

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = Parse([]byte("entities: [unclosed"))
	assert.Error(t, err)
}

func TestDecodeJSONKeepsNumbers(t *testing.T) {
	doc, err := DecodeJSON([]byte(`{"a": 5, "b": 5.0}`))
	require.NoError(t, err)
	m := doc.(map[string]any)
	assert.Equal(t, json.Number("5"), m["a"])
	assert.Equal(t, json.Number("5.0"), m["b"])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities: {}\ncommands: {}\n"), 0o644))
	doc, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, doc.(map[string]any), "commands")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
