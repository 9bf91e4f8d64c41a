package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "dev.json", `{
		"version": "1.0.0",
		"name": "dev",
		"rules": [
			{"id": "r1", "effect": "allow", "priority": 5,
			 "conditions": {"tenants": ["org-123"], "classes": ["DESTRUCTIVE"]}}
		]
	}`)

	doc, err := LoadFile(filepath.Join(dir, "dev.json"))
	require.NoError(t, err)
	assert.Equal(t, "dev", doc.Name)
	require.Len(t, doc.Rules, 1)
	assert.Equal(t, EffectAllow, doc.Rules[0].Effect)
	assert.Equal(t, []Class{ClassDestructive}, doc.Rules[0].Conditions.Classes)
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "dev.yaml", `
version: "1.0.0"
name: dev-yaml
rules:
  - id: allow-reads
    effect: allow
    priority: 1
    conditions:
      tool_patterns: ["github.*"]
`)
	doc, err := LoadFile(filepath.Join(dir, "dev.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dev-yaml", doc.Name)
	assert.Equal(t, []string{"github.*"}, doc.Rules[0].Conditions.ToolPatterns)
}

func TestLoadFileRejectsIncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "future.json", `{"version": "2.0.0", "name": "future", "rules": []}`)
	_, err := LoadFile(filepath.Join(dir, "future.json"))
	assert.Error(t, err)
}

func TestLoadFileRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "broken.json", `{"version": "1.0.0", "name": `)
	_, err := LoadFile(filepath.Join(dir, "broken.json"))
	assert.Error(t, err)

	writeDoc(t, dir, "notes.txt", `not a policy`)
	_, err = LoadFile(filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)
}

func TestLoadDirSkipsBadDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.json", `{"version": "1.0.0", "name": "a", "rules": []}`)
	writeDoc(t, dir, "broken.json", `{{{`)
	writeDoc(t, dir, "b.yaml", "version: \"1.0.0\"\nname: b\nrules: []\n")

	docs, err := LoadDir(dir, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Contains(t, docs, "a")
	assert.Contains(t, docs, "b")
}

func TestLoadedDocumentInstalls(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "dev.json", `{
		"version": "1.0.0",
		"name": "dev",
		"rules": [{"id": "allow-destructive", "effect": "allow", "priority": 1,
		           "conditions": {"tenants": ["org-123"], "classes": ["DESTRUCTIVE"]}}]
	}`)
	doc, err := LoadFile(filepath.Join(dir, "dev.json"))
	require.NoError(t, err)

	e, err := NewEngine()
	require.NoError(t, err)
	require.NoError(t, e.Install(doc))
	assert.NotEmpty(t, e.DocumentHash())

	d := e.Evaluate(destructiveReq(true))
	assert.True(t, d.Allowed)
}
