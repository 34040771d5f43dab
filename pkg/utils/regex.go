package utils

import (
	"regexp"
)

// Command output parsing patterns - used for RouterOS CLI output.
// All patterns avoid nested quantifiers; values are matched with negated classes.
var (
	// TersePairPattern matches one key=value pair of `print terse` output.
	// Values are either double-quoted (backslash escapes allowed) or a run of non-space characters.
	TersePairPattern = regexp.MustCompile(`([a-zA-Z0-9][a-zA-Z0-9._-]{0,63})=("(?:[^"\\]|\\.)*"|\S*)`)

	// TableHeaderPattern matches the column header row of a RouterOS table print
	TableHeaderPattern = regexp.MustCompile(`(?:^|\s)NAME(?:\s|$)`)
)
