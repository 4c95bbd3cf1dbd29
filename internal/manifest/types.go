// Copyright 2025 James Ross
package manifest

import "time"

// Scope is a lattice level bounding the breadth of an action's effect.
type Scope string

const (
	ScopeSelection        Scope = "selection"
	ScopeCurrentPage      Scope = "current-page"
	ScopeCurrentDocument  Scope = "current-document"
	ScopeAllDocuments     Scope = "all-documents"
)

// scopeRank orders the lattice from narrowest to broadest.
var scopeRank = map[Scope]int{
	ScopeSelection:       0,
	ScopeCurrentPage:     1,
	ScopeCurrentDocument: 2,
	ScopeAllDocuments:    3,
}

// Dominates reports whether scope s covers everything scope other covers.
func (s Scope) Dominates(other Scope) bool {
	sr, ok1 := scopeRank[s]
	or, ok2 := scopeRank[other]
	if !ok1 || !ok2 {
		return false
	}
	return sr >= or
}

// Valid reports whether s is one of the four recognized lattice levels.
func (s Scope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// Category is a capability category declared in a manifest.
type Category string

const (
	CategoryRead      Category = "read"
	CategoryWrite     Category = "write"
	CategoryUI        Category = "ui"
	CategoryNetwork   Category = "network"
	CategoryClipboard Category = "clipboard"
	CategoryStorage   Category = "storage"
)

// ReadWriteCapability describes node-type and scope bounds for read or write.
type ReadWriteCapability struct {
	NodeTypes []string `yaml:"types" json:"types"`
	Scopes    []Scope  `yaml:"scopes" json:"scopes"`
}

// UICapability describes the panel/modal/toast types a plugin may render.
type UICapability struct {
	Types []string `yaml:"types" json:"types"`
}

// NetworkCapability describes domain and method bounds for network:fetch.
type NetworkCapability struct {
	DomainPatterns []string `yaml:"domains" json:"domains"`
	Methods        []string `yaml:"methods" json:"methods"`
}

// Capabilities is the sum of per-category capability declarations. A nil
// pointer field means the category is entirely undeclared.
type Capabilities struct {
	Read      *ReadWriteCapability `yaml:"read,omitempty" json:"read,omitempty"`
	Write     *ReadWriteCapability `yaml:"write,omitempty" json:"write,omitempty"`
	UI        *UICapability        `yaml:"ui,omitempty" json:"ui,omitempty"`
	Network   *NetworkCapability   `yaml:"network,omitempty" json:"network,omitempty"`
	Clipboard bool                 `yaml:"clipboard,omitempty" json:"clipboard,omitempty"`
	Storage   bool                 `yaml:"storage,omitempty" json:"storage,omitempty"`
}

// Limits is the normalized (byte/duration) form of the declared resource
// budget for a plugin.
type Limits struct {
	Memory                 int64         `json:"memory"`
	ExecutionTime          time.Duration `json:"execution_time"`
	Storage                int64         `json:"storage"`
	APICallsPerMinute      int           `json:"api_calls_per_minute"`
	NetworkRequestsPerMinute int         `json:"network_requests_per_minute"`
}

// EntryPoints names the plugin's code units.
type EntryPoints struct {
	Main string `yaml:"main" json:"main"`
	UI   string `yaml:"ui,omitempty" json:"ui,omitempty"`
}

// Author is optional manifest metadata, never consulted for authorization.
type Author struct {
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Manifest is the validated, normalized form of a plugin's declarative
// document. Every field downstream components consult has already been
// range- and type-checked by Parse.
type Manifest struct {
	SchemaVersion      string            `json:"schema_version"`
	ID                 string            `json:"id"`
	Version            string            `json:"version"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Author             *Author           `json:"author,omitempty"`
	Homepage           string            `json:"homepage,omitempty"`
	License            string            `json:"license,omitempty"`
	Keywords           []string          `json:"keywords,omitempty"`
	Icon               string            `json:"icon,omitempty"`
	Capabilities       Capabilities      `json:"capabilities"`
	Limits             Limits            `json:"limits"`
	Entry              EntryPoints       `json:"entry"`
	Integrity          map[string]string `json:"integrity"`
	MinimumHostVersion string            `json:"minimum_host_version,omitempty"`
	Dependencies       map[string]string `json:"dependencies,omitempty"`
}

// HasCapability reports whether the manifest declares the named category.
func (m *Manifest) HasCapability(c Category) bool {
	switch c {
	case CategoryRead:
		return m.Capabilities.Read != nil
	case CategoryWrite:
		return m.Capabilities.Write != nil
	case CategoryUI:
		return m.Capabilities.UI != nil
	case CategoryNetwork:
		return m.Capabilities.Network != nil
	case CategoryClipboard:
		return m.Capabilities.Clipboard
	case CategoryStorage:
		return m.Capabilities.Storage
	default:
		return false
	}
}

// DeclaredScopes returns the scope set declared for a read/write category,
// or nil if the category is undeclared or has no scope bound (ui/network
// capabilities have no scope lattice).
func (m *Manifest) DeclaredScopes(c Category) []Scope {
	switch c {
	case CategoryRead:
		if m.Capabilities.Read != nil {
			return m.Capabilities.Read.Scopes
		}
	case CategoryWrite:
		if m.Capabilities.Write != nil {
			return m.Capabilities.Write.Scopes
		}
	}
	return nil
}

// DominantScope returns the broadest declared scope for category c, and
// whether any scope was declared at all.
func (m *Manifest) DominantScope(c Category) (Scope, bool) {
	scopes := m.DeclaredScopes(c)
	if len(scopes) == 0 {
		return "", false
	}
	best := scopes[0]
	for _, s := range scopes[1:] {
		if s.Dominates(best) {
			best = s
		}
	}
	return best, true
}

// AllowsNodeType reports whether node type t is declared for category c,
// honoring the "*" wildcard.
func (m *Manifest) AllowsNodeType(c Category, t string) bool {
	var types []string
	switch c {
	case CategoryRead:
		if m.Capabilities.Read != nil {
			types = m.Capabilities.Read.NodeTypes
		}
	case CategoryWrite:
		if m.Capabilities.Write != nil {
			types = m.Capabilities.Write.NodeTypes
		}
	}
	for _, want := range types {
		if want == "*" || want == t {
			return true
		}
	}
	return false
}
