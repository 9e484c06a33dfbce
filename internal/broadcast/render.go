package broadcast

import (
	"regexp"
	"strings"
)

var namePlaceholder = regexp.MustCompile(`(?i)\{\{\s*name\s*\}\}|\{\s*name\s*\}`)

// Render substitutes the recipient name into tmpl. Both {name} and
// {{name}} are accepted, in any case.
func Render(tmpl, name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	return namePlaceholder.ReplaceAllLiteralString(tmpl, name)
}
