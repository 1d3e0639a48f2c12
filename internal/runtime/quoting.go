package runtime

import "strings"

// ShellQuote single-quote-escapes a value for safe interpolation into a
// POSIX shell command line: `'` becomes `'"'"'`, and an empty string
// becomes `''` rather than disappearing entirely.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ExpandTildeDoubleQuoted rewrites a leading `~` or `~/...` into
// `$HOME/...` for use inside a double-quoted shell string, where `$HOME`
// expands at the target shell rather than the caller's. Paths without a
// leading tilde are returned unchanged.
func ExpandTildeDoubleQuoted(path string) string {
	if path == "~" {
		return "$HOME"
	}
	if strings.HasPrefix(path, "~/") {
		return "$HOME/" + path[2:]
	}
	return path
}
