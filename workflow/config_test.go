package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadDocumentPlainSource(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
flow:
  source: /events
  stages: [tally]
  drop: [/scratch]

tally:
  classname: count
  params:
    target: /counts
  requires:
    - /lookup
`)
	doc, err := LoadDocument(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "/events", doc.SourceSpec)
	assert.Equal(t, []string{"tally"}, doc.StageNames)
	assert.Equal(t, []string{"/scratch"}, doc.Drop)

	block, ok := doc.Blocks["tally"]
	require.True(t, ok)
	assert.Equal(t, "count", block.Classname)
	assert.Equal(t, "/counts", block.Params["target"])
	require.Len(t, block.Requires, 1)
	assert.Equal(t, RequiredDataset{Name: "/lookup", Path: "/lookup"}, block.Requires[0])
}

func TestLoadDocumentMissingSourceErrors(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
flow:
  stages: []
`)
	_, err := LoadDocument(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadDocumentResourcesAndNamedGeneratorBlock(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
flow:
  source: gen
  stages: []

resources:
  - classname: geneindex
    params:
      path: /genes

gen:
  classname: identitygen
  params:
    count: 100
`)
	doc, err := LoadDocument(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, doc.ResourceDecls, 1)
	assert.Equal(t, "geneindex", doc.ResourceDecls[0].Classname)
	assert.Equal(t, "/genes", doc.ResourceDecls[0].Params["path"])

	block, ok := doc.Blocks["gen"]
	require.True(t, ok)
	assert.Equal(t, "identitygen", block.Classname)
}

func TestLoadDocumentRequiresChainShape(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", `
flow:
  source: /a
  stages: [join]

join:
  classname: count
  params: {}
  requires:
    - [/b, /c]
    - {name: idxonly, path: /d, index_only: true}
`)
	doc, err := LoadDocument(context.Background(), p)
	require.NoError(t, err)
	reqs := doc.Blocks["join"].Requires
	require.Len(t, reqs, 2)
	assert.Equal(t, RequiredDataset{Name: "/c", Path: "/c", Hops: []string{"/b"}}, reqs[0])
	assert.Equal(t, RequiredDataset{Name: "idxonly", Path: "/d", IndexOnly: true}, reqs[1])
}

func TestLoadDocumentResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
flow:
  source: /events
  stages: [tally]

tally:
  classname: count
  params:
    target: /counts
`)
	p := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml

flow:
  drop: [/scratch]
`)
	doc, err := LoadDocument(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "/events", doc.SourceSpec)
	assert.Equal(t, []string{"tally"}, doc.StageNames)
	assert.Equal(t, []string{"/scratch"}, doc.Drop)
}

func TestLoadDocumentDetectsIncludeLoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `include: [b.yaml]
flow:
  source: /x
`)
	p := writeFile(t, dir, "b.yaml", `include: [a.yaml]
flow:
  source: /x
`)
	_, err := LoadDocument(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include loop")
}
