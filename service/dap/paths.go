package dap

import (
	"net/url"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/strutdbg/strut/pkg/config"
)

// pathNormCacheSize bounds the cache of normalized breakpoint table keys.
// Clients re-send the full breakpoint set for a file on every edit, so the
// same handful of paths is normalized over and over.
const pathNormCacheSize = 256

// pathMapper converts between the client's representation of source
// positions (URI or plain path, 0- or 1-based lines, local file system) and
// the engine's (native paths, 1-based lines).
type pathMapper struct {
	// linesStartAt1 is the client line numbering base, from initialize.
	linesStartAt1 bool
	// uriFormat is set when the client sends paths as file URIs.
	uriFormat bool
	// rules maps client path prefixes to engine path prefixes. Applied in
	// order, first match wins; the reverse mapping is applied when
	// converting engine paths back to the client.
	rules [][2]string
	// caseInsensitive is set on platforms with case-insensitive file
	// systems, where breakpoint table keys must be case-folded.
	caseInsensitive bool

	norm *lru.Cache
}

func newPathMapper(rules config.SubstitutePathRules) *pathMapper {
	cache, _ := lru.New(pathNormCacheSize)
	m := &pathMapper{
		linesStartAt1:   true,
		caseInsensitive: runtime.GOOS == "windows" || runtime.GOOS == "darwin",
		norm:            cache,
	}
	for _, r := range rules {
		m.rules = append(m.rules, [2]string{r.From, r.To})
	}
	return m
}

// setClientCapabilities records the numbering and path format announced by
// the initialize request.
func (m *pathMapper) setClientCapabilities(linesStartAt1 bool, pathFormat string) {
	m.linesStartAt1 = linesStartAt1
	m.uriFormat = pathFormat == "uri"
}

func (m *pathMapper) addRule(from, to string) {
	m.rules = append(m.rules, [2]string{from, to})
}

// toEnginePath converts a client source path to the engine representation.
func (m *pathMapper) toEnginePath(p string) string {
	if m.uriFormat {
		if u, err := url.Parse(p); err == nil && u.Scheme == "file" {
			p = u.Path
		}
	}
	for _, r := range m.rules {
		if hasPathPrefix(p, r[0], m.caseInsensitive) {
			return r[1] + p[len(r[0]):]
		}
	}
	return p
}

// toClientPath converts an engine source path to the client representation.
func (m *pathMapper) toClientPath(p string) string {
	for _, r := range m.rules {
		if hasPathPrefix(p, r[1], m.caseInsensitive) {
			p = r[0] + p[len(r[1]):]
			break
		}
	}
	if m.uriFormat {
		u := url.URL{Scheme: "file", Path: p}
		return u.String()
	}
	return p
}

// toEngineLine converts a client line number to engine numbering (1-based).
func (m *pathMapper) toEngineLine(l int) int {
	if m.linesStartAt1 {
		return l
	}
	return l + 1
}

// toClientLine converts an engine line number to client numbering.
func (m *pathMapper) toClientLine(l int) int {
	if m.linesStartAt1 {
		return l
	}
	return l - 1
}

// normalizeKey produces the breakpoint table key for an engine path.
// Repeated requests for the same file must hit the same key regardless of
// separator style or, on case-insensitive platforms, casing.
func (m *pathMapper) normalizeKey(p string) string {
	if v, ok := m.norm.Get(p); ok {
		return v.(string)
	}
	k := strings.ReplaceAll(p, "\\", "/")
	if m.caseInsensitive {
		k = strings.ToLower(k)
	}
	m.norm.Add(p, k)
	return k
}

func hasPathPrefix(p, prefix string, caseInsensitive bool) bool {
	if caseInsensitive {
		return len(p) >= len(prefix) && strings.EqualFold(p[:len(prefix)], prefix)
	}
	return strings.HasPrefix(p, prefix)
}
