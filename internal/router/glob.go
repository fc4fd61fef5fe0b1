package router

import (
	"regexp"
	"strings"
	"sync"
)

// MatchGlobs implements the runWorkerFirst glob-list evaluation from spec
// §4.9 step 8 with the exclude-override semantics decided for the
// corresponding open question (§9): a request path is worker-first if at
// least one non-negated pattern matches and no negated (`!pattern`)
// pattern also matches — a negated match always wins regardless of what
// else matched.
func MatchGlobs(patterns []string, path string) bool {
	matched := false
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		pat := strings.TrimPrefix(p, "!")
		if globMatch(pat, path) {
			if negate {
				return false
			}
			matched = true
		}
	}
	return matched
}

var (
	globCacheMu sync.Mutex
	globCache   = map[string]*regexp.Regexp{}
)

// globMatch implements minimatch-like glob semantics: "*" matches any run
// of characters except "/", "**" matches across "/" boundaries, "?"
// matches one non-"/" character.
func globMatch(pattern, path string) bool {
	globCacheMu.Lock()
	re, ok := globCache[pattern]
	globCacheMu.Unlock()
	if !ok {
		re = compileGlob(pattern)
		globCacheMu.Lock()
		globCache[pattern] = re
		globCacheMu.Unlock()
	}
	return re.MatchString(path)
}

func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '{', '}', '\\':
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		default:
			b.WriteRune(runes[i])
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile("^$") // matches nothing
	}
	return re
}
