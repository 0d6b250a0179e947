package normalize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cast"
)

// FilterByScore keeps items whose numeric field key is >= threshold, in
// their original order. Items without a numeric score are dropped.
func FilterByScore(items []map[string]any, key string, threshold float64) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		score, err := cast.ToFloat64E(it[key])
		if err != nil || it[key] == nil {
			continue
		}
		if score >= threshold {
			out = append(out, it)
		}
	}
	return out
}

// SortByScore orders items by key, highest first; ties keep input order.
func SortByScore(items []map[string]any, key string) {
	sort.SliceStable(items, func(i, j int) bool {
		return cast.ToFloat64(items[i][key]) > cast.ToFloat64(items[j][key])
	})
}

// TopN returns at most n items. n <= 0 returns all.
func TopN[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return strings.TrimRightFunc(string(runes[:max-3]), unicode.IsSpace) + "..."
}

// Pick copies the listed keys of m that are present.
func Pick(m map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	acronymEnd    = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	nonWord       = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// SnakeCase converts camelCase, PascalCase, kebab-case and spaced keys into
// snake_case.
func SnakeCase(s string) string {
	s = acronymEnd.ReplaceAllString(s, "${1}_${2}")
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = nonWord.ReplaceAllString(s, "_")
	return strings.Trim(strings.ToLower(s), "_")
}

// SnakeKeys recursively renames object keys to snake_case so provider output
// has a stable key style. When keys collide, one already in snake_case wins,
// otherwise the lexically smallest original key does.
func SnakeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			sk := SnakeCase(k)
			if _, taken := out[sk]; taken && k != sk {
				continue
			}
			out[sk] = SnakeKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SnakeKeys(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SnakeKeys(val)
		}
		return out
	default:
		return v
	}
}

// StripHTML returns the visible text of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged apart from whitespace.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script,style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
