// Copyright 2025 James Ross
package scope

import (
	"testing"

	"github.com/pactforge/plugin-guard/internal/manifest"
	"github.com/stretchr/testify/assert"
)

type fakeHost struct {
	selected    []string
	page        string
	document    string
	nodePages   map[string]string
	nodeDocs    map[string]string
}

func (f fakeHost) SelectedIDs() []string         { return f.selected }
func (f fakeHost) CurrentPageID() string         { return f.page }
func (f fakeHost) CurrentDocumentID() string     { return f.document }
func (f fakeHost) NodePage(id string) string     { return f.nodePages[id] }
func (f fakeHost) NodeDocument(id string) string { return f.nodeDocs[id] }

func TestLatticeDomination(t *testing.T) {
	assert.True(t, manifest.ScopeCurrentPage.Dominates(manifest.ScopeSelection))
	assert.True(t, manifest.ScopeAllDocuments.Dominates(manifest.ScopeCurrentDocument))
	assert.False(t, manifest.ScopeSelection.Dominates(manifest.ScopeCurrentPage))
}

func TestIsNodeInScope(t *testing.T) {
	host := fakeHost{
		page:      "page-1",
		document:  "doc-1",
		nodePages: map[string]string{"n1": "page-1", "n2": "page-2"},
		nodeDocs:  map[string]string{"n1": "doc-1", "n2": "doc-2"},
	}
	assert.True(t, IsNodeInScope(manifest.ScopeCurrentPage, "n1", host))
	assert.False(t, IsNodeInScope(manifest.ScopeCurrentPage, "n2", host))
	assert.True(t, IsNodeInScope(manifest.ScopeAllDocuments, "n2", host))
}

func TestDominatesConcreteSuperset(t *testing.T) {
	host := fakeHost{selected: []string{"n1"}, page: "page-1"}
	assert.True(t, Dominates(manifest.ScopeCurrentPage, manifest.ScopeSelection, host))
	assert.False(t, Dominates(manifest.ScopeSelection, manifest.ScopeCurrentPage, host))
}
