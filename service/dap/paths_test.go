package dap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathMapperSubstituteRules(t *testing.T) {
	m := newPathMapper(nil)
	m.addRule("/home/alice/project", "/build/project")

	require.Equal(t, "/build/project/src/main.c", m.toEnginePath("/home/alice/project/src/main.c"))
	require.Equal(t, "/home/alice/project/src/main.c", m.toClientPath("/build/project/src/main.c"))

	// Paths not covered by any rule pass through unchanged.
	require.Equal(t, "/opt/other/main.c", m.toEnginePath("/opt/other/main.c"))
}

func TestPathMapperFirstRuleWins(t *testing.T) {
	m := newPathMapper(nil)
	m.addRule("/a", "/x")
	m.addRule("/a/b", "/y")

	require.Equal(t, "/x/b/f.c", m.toEnginePath("/a/b/f.c"))
}

func TestPathMapperURIFormat(t *testing.T) {
	m := newPathMapper(nil)
	m.setClientCapabilities(true, "uri")

	require.Equal(t, "/home/alice/main.c", m.toEnginePath("file:///home/alice/main.c"))
	require.Equal(t, "file:///home/alice/main.c", m.toClientPath("/home/alice/main.c"))
}

func TestPathMapperLineBase(t *testing.T) {
	m := newPathMapper(nil)

	m.setClientCapabilities(true, "path")
	require.Equal(t, 10, m.toEngineLine(10))
	require.Equal(t, 10, m.toClientLine(10))

	m.setClientCapabilities(false, "path")
	require.Equal(t, 10, m.toEngineLine(9))
	require.Equal(t, 9, m.toClientLine(10))
}

func TestNormalizeKeyCaseInsensitive(t *testing.T) {
	m := newPathMapper(nil)
	m.caseInsensitive = true

	k1 := m.normalizeKey(`C:\Users\Alice\main.c`)
	k2 := m.normalizeKey(`c:/users/alice/MAIN.C`)
	require.Equal(t, k1, k2)

	// Cached result for a repeated path is identical.
	require.Equal(t, k1, m.normalizeKey(`C:\Users\Alice\main.c`))
}

func TestNormalizeKeyCaseSensitive(t *testing.T) {
	m := newPathMapper(nil)
	m.caseInsensitive = false

	require.NotEqual(t, m.normalizeKey("/src/Main.c"), m.normalizeKey("/src/main.c"))
}
