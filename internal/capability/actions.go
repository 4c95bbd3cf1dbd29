// Copyright 2025 James Ross
package capability

import "github.com/pactforge/plugin-guard/internal/manifest"

// actionCategory maps the fine-grained action namespace to the capability
// category that must be declared before a token can be minted for it.
var actionCategory = map[string]manifest.Category{
	"read:node":        manifest.CategoryRead,
	"read:properties":  manifest.CategoryRead,
	"read:children":    manifest.CategoryRead,
	"read:parent":      manifest.CategoryRead,
	"read:selection":   manifest.CategoryRead,
	"read:viewport":    manifest.CategoryRead,
	"selection:get":    manifest.CategoryRead,

	"write:create":    manifest.CategoryWrite,
	"write:update":    manifest.CategoryWrite,
	"write:delete":    manifest.CategoryWrite,
	"write:duplicate": manifest.CategoryWrite,
	"write:group":     manifest.CategoryWrite,
	"selection:set":   manifest.CategoryWrite,
	"selection:add":   manifest.CategoryWrite,
	"selection:remove": manifest.CategoryWrite,
	"history:undo":    manifest.CategoryWrite,
	"history:redo":    manifest.CategoryWrite,
	"history:batch":   manifest.CategoryWrite,

	"ui:panel":        manifest.CategoryUI,
	"ui:modal":        manifest.CategoryUI,
	"ui:toast":        manifest.CategoryUI,
	"ui:context-menu": manifest.CategoryUI,

	"network:fetch": manifest.CategoryNetwork,

	"clipboard:read":  manifest.CategoryClipboard,
	"clipboard:write": manifest.CategoryClipboard,

	"storage:read":   manifest.CategoryStorage,
	"storage:write":  manifest.CategoryStorage,
	"storage:delete": manifest.CategoryStorage,
}

// CategoryForAction returns the capability category an action requires, and
// whether the action is recognized at all.
func CategoryForAction(action string) (manifest.Category, bool) {
	c, ok := actionCategory[action]
	return c, ok
}
