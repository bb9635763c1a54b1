package config

import (
	"bytes"
	"fmt"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside areas
// surrounded by the specified quote character.
// To specify a single quote use backslash to escape it: \'
func SplitQuotedFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSpace stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var buf bytes.Buffer

	for _, ch := range in {
		switch state {
		case inSpace:
			if ch == quote {
				state = inQuote
			} else if !unicode.IsSpace(ch) {
				buf.WriteRune(ch)
				state = inField
			}

		case inField:
			if ch == quote {
				state = inQuote
			} else if unicode.IsSpace(ch) {
				r = append(r, buf.String())
				buf.Reset()
				state = inSpace
			} else {
				buf.WriteRune(ch)
			}

		case inQuote:
			if ch == quote {
				state = inField
			} else if ch == '\\' {
				state = inQuoteEscaped
			} else {
				buf.WriteRune(ch)
			}

		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}

	if state != inSpace {
		r = append(r, buf.String())
	}

	return r
}

// ParseSubstitutePathRule parses one substitute-path rule given as a single
// string of the form `"from" "to"`. Quotes may be omitted when neither path
// contains spaces.
func ParseSubstitutePathRule(in string) (SubstitutePathRule, error) {
	fields := SplitQuotedFields(in, '"')
	if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
		return SubstitutePathRule{}, fmt.Errorf("substitute-path rule %q must have the form \"from\" \"to\"", in)
	}
	return SubstitutePathRule{From: fields[0], To: fields[1]}, nil
}
