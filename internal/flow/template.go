// Package flow implements the conversation flow engine: trigger matching,
// node interpretation, condition branching, action side effects, and durable
// delayed transitions.
package flow

import "regexp"

// placeholderPattern matches {{name}} placeholders, tolerating surrounding
// whitespace inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render replaces every {{name}} placeholder in the template with the
// variable's value, or the empty string when the variable is unset. It never
// fails: malformed or unmatched placeholders stay untouched, and templates
// without placeholders pass through unchanged.
func Render(template string, variables map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return variables[name]
	})
}
