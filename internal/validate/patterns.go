package validate

import "regexp"

// The four pattern families applied to every inbound string. Matches are
// rejected with a generic message; the matched family is only ever logged
// server-side.

// sqlPatterns catches SQL keyword pairs, tautology fragments and comment
// tokens.
var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b[\s(]+\bselect\b`),
	regexp.MustCompile(`(?i)\bdrop\b\s+\btable\b`),
	regexp.MustCompile(`(?i)\binsert\b\s+\binto\b`),
	regexp.MustCompile(`(?i)\bdelete\b\s+\bfrom\b`),
	regexp.MustCompile(`(?i)\bupdate\b\s+\w+\s+\bset\b`),
	regexp.MustCompile(`(?i)\bselect\b\s+[\w*,\s]+\s\bfrom\b`),
	regexp.MustCompile(`(?i)\bor\b\s+1\s*=\s*1`),
	regexp.MustCompile(`(?i)'\s*or\s*'`),
	regexp.MustCompile(`(?i)(\bor\b|\band\b|')\s*--`),
	regexp.MustCompile(`(?s)/\*.*?\*/`),
}

// scriptPatterns catches script/markup injection shapes.
var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)<(iframe|object|embed|meta|link)\b`),
}

// traversalPatterns catches path traversal, including URL-encoded variants.
var traversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`\.\.\\`),
	regexp.MustCompile(`(?i)%2e%2e%2f`),
	regexp.MustCompile(`(?i)%2e%2e%5c`),
	regexp.MustCompile(`(?i)\.\.%2f`),
	regexp.MustCompile(`(?i)\.\.%5c`),
}

// commandPatterns catches shell command shapes: metacharacters followed by a
// common tool, substitution captures, and piped invocations.
var commandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|]\s*(rm|ls|cat|wget|curl|nc|bash|sh|chmod|chown|powershell|cmd)\b`),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\|\s*(cat|nc|bash|sh|curl|wget|python|perl)\b`),
}

// families pairs each pattern set with a label for server-side logs.
var families = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{"sql", sqlPatterns},
	{"script", scriptPatterns},
	{"traversal", traversalPatterns},
	{"command", commandPatterns},
}

// matchFamily returns the name of the first family with a pattern matching s,
// or "" when s is clean.
func matchFamily(s string) string {
	for _, f := range families {
		for _, p := range f.patterns {
			if p.MatchString(s) {
				return f.name
			}
		}
	}
	return ""
}
