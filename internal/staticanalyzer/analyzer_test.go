// Copyright 2025 James Ross
package staticanalyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S6: code containing eval( produces a finding {rule:'no-eval',
// severity:'critical'} and passed=false.
func TestEvalRuleBlocksInstallation(t *testing.T) {
	a := New(Config{BlockOnCritical: true})
	result := a.Analyze(`local x = eval("2 + 2")`)

	require.NotEmpty(t, result.Findings)
	var found bool
	for _, f := range result.Findings {
		if f.Rule == "no-eval" {
			found = true
			assert.Equal(t, SeverityCritical, f.Severity)
		}
	}
	assert.True(t, found)
	assert.False(t, result.Passed)
}

func TestCleanCodePasses(t *testing.T) {
	a := New(Config{BlockOnCritical: true})
	result := a.Analyze(`function double(n) return n * 2 end`)

	assert.Empty(t, result.Findings)
	assert.True(t, result.Passed)
}

func TestErrorSeverityOnlyBlocksWhenConfigured(t *testing.T) {
	code := `localStorage.setItem("x", "y")`

	lenient := New(Config{BlockOnCritical: true, BlockOnError: false})
	resLenient := lenient.Analyze(code)
	assert.True(t, resLenient.Passed)
	require.NotEmpty(t, resLenient.Findings)

	strict := New(Config{BlockOnCritical: true, BlockOnError: true})
	resStrict := strict.Analyze(code)
	assert.False(t, resStrict.Passed)
}

func TestLongLineFlagged(t *testing.T) {
	a := New(Config{})
	longLine := "local x = \"" + strings.Repeat("a", 500) + "\""
	result := a.Analyze(longLine)

	var found bool
	for _, f := range result.Findings {
		if f.Rule == "long-line-obfuscation" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMetricsCountBranchesImportsAsync(t *testing.T) {
	a := New(Config{})
	code := `
local m = require("math")
function f(x)
	if x > 0 and x < 10 then
		return x
	end
	coroutine.create(function() end)
end
`
	result := a.Analyze(code)
	assert.Greater(t, result.Metrics.Branches, 0)
	assert.Equal(t, 1, result.Metrics.Imports)
	assert.Equal(t, 1, result.Metrics.AsyncCount)
	assert.Equal(t, result.Metrics.Branches+1, result.Metrics.Complexity)
}

func TestRuleOrderAppliesExtraRulesFirst(t *testing.T) {
	custom := Rule{
		Name:     "no-foo",
		Category: CategorySecurity,
		Severity: SeverityWarning,
		Check: func(code string) []Finding {
			if strings.Contains(code, "foo") {
				return []Finding{{Rule: "no-foo", Category: CategorySecurity, Severity: SeverityWarning, Message: "no foo allowed"}}
			}
			return nil
		},
	}
	a := New(Config{}, custom)
	result := a.Analyze("local foo = 1")

	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "no-foo", result.Findings[0].Rule)
}
