package dap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogMessageTemplate(t *testing.T) {
	for _, tc := range []struct {
		msg  string
		want []logMessageSegment
	}{
		{"plain text", []logMessageSegment{{text: "plain text"}}},
		{"x is {x}", []logMessageSegment{{text: "x is "}, {text: "x", expr: true}}},
		{"{a}{b}", []logMessageSegment{{text: "a", expr: true}, {text: "b", expr: true}}},
		{"{ count + 1 } items", []logMessageSegment{{text: "count + 1", expr: true}, {text: " items"}}},
		{`literal \{brace\}`, []logMessageSegment{{text: "literal {brace}"}}},
		{`path\to\file`, []logMessageSegment{{text: `path\to\file`}}},
		{"", nil},
	} {
		tmpl, err := parseLogMessageTemplate(tc.msg)
		require.NoError(t, err, "parsing %q", tc.msg)
		require.Equal(t, tc.want, tmpl.segments, "segments of %q", tc.msg)
	}
}

func TestParseLogMessageTemplateErrors(t *testing.T) {
	for _, msg := range []string{
		"unclosed {expr",
		"stray } brace",
		"nested {a {b}}",
		"empty {}",
		"blank {   }",
	} {
		_, err := parseLogMessageTemplate(msg)
		require.Error(t, err, "parsing %q", msg)
	}
}
