// Package logredact masks credential material in free-form text before it
// reaches logs. It understands JSON-like ("key":"value") and query-like
// (key=value) shapes.
package logredact

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

var defaultKeys = []string{
	"password",
	"access_token",
	"refresh_token",
	"api_key",
	"client_secret",
	"authorization",
}

type textPattern struct {
	re   *regexp.Regexp
	repl string
}

var defaultTextPatterns = compileTextPatterns(defaultKeys)

// extraTextPatternCache caches compiled pattern sets keyed by the
// normalized, sorted extra-key list.
var extraTextPatternCache sync.Map // string -> []textPattern

// RedactText replaces the values of sensitive keys in s with "***".
// extraKeys extends the default key set for this call; repeated key sets
// reuse a cached compilation.
func RedactText(s string, extraKeys ...string) string {
	patterns := defaultTextPatterns
	if len(extraKeys) > 0 {
		patterns = patternsWithExtras(extraKeys)
	}
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

func patternsWithExtras(extraKeys []string) []textPattern {
	normalized := make([]string, 0, len(extraKeys))
	seen := make(map[string]struct{}, len(extraKeys))
	for _, k := range extraKeys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		normalized = append(normalized, k)
	}
	if len(normalized) == 0 {
		return defaultTextPatterns
	}
	sort.Strings(normalized)
	cacheKey := strings.Join(normalized, ",")

	if cached, ok := extraTextPatternCache.Load(cacheKey); ok {
		return cached.([]textPattern)
	}
	compiled := append(compileTextPatterns(normalized), defaultTextPatterns...)
	actual, _ := extraTextPatternCache.LoadOrStore(cacheKey, compiled)
	return actual.([]textPattern)
}

func compileTextPatterns(keys []string) []textPattern {
	out := make([]textPattern, 0, len(keys)*2)
	for _, key := range keys {
		quoted := regexp.QuoteMeta(key)
		out = append(out,
			// "key":"value"
			textPattern{
				re:   regexp.MustCompile(`(?i)("` + quoted + `"\s*:\s*)"[^"]*"`),
				repl: `${1}"***"`,
			},
			// key=value
			textPattern{
				re:   regexp.MustCompile(`(?i)(\b` + quoted + `=)\S+`),
				repl: `${1}***`,
			},
		)
	}
	return out
}
