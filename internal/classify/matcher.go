package classify

import (
	"strings"

	"github.com/gobwas/glob"
)

// detector holds the compiled form of one tool-category's pattern list
// (spec 4.B's toolDetector.patterns). A pattern containing glob
// metacharacters (* ? [ ]) is compiled with gobwas/glob for richer
// matching; a plain pattern is matched as a case-insensitive substring,
// mirroring the teacher's compiledMatcher split between glob-compiled path
// patterns and plain string fields.
type detector struct {
	category string
	globs    []glob.Glob
	literals []string
}

func compileDetector(category string, patterns []string) detector {
	d := detector{category: category}
	for _, pat := range patterns {
		lower := strings.ToLower(pat)
		if strings.ContainsAny(pat, "*?[]") {
			if g, err := glob.Compile(lower); err == nil {
				d.globs = append(d.globs, g)
				continue
			}
		}
		d.literals = append(d.literals, lower)
	}
	return d
}

// matches reports whether haystack (already expected to be tool name +
// description, concatenated) satisfies this category's detector.
func (d detector) matches(haystack string) bool {
	lower := strings.ToLower(haystack)
	for _, lit := range d.literals {
		if strings.Contains(lower, lit) {
			return true
		}
	}
	for _, g := range d.globs {
		if g.Match(lower) {
			return true
		}
	}
	return false
}
