package stringutils

import "strings"

// IndentString prefixes each line of the string with indent.
// Blank lines are not indented.
func IndentString(str, indent string) string {
	var sb strings.Builder

	for _, line := range strings.SplitAfter(str, "\n") {
		if strings.TrimSpace(line) != "" {
			sb.WriteString(indent)
		}

		sb.WriteString(line)
	}

	return sb.String()
}
