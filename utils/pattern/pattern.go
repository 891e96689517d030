// Package pattern implements glob matching for cache keys. Patterns use
// `*` for any run of characters and `?` for a single character; anything
// else matches literally. Invalidation templates and the local store's
// key scans both go through this package.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Compiled regexes are cached per pattern. Invalidation rules are a small
// static set, so the cache stays bounded in practice.
var (
	regexMu    sync.RWMutex
	regexCache = make(map[string]*regexp.Regexp)
)

// IsGlob reports whether the pattern contains wildcard characters. Exact
// keys skip the scan path entirely.
func IsGlob(p string) bool {
	return strings.ContainsAny(p, "*?")
}

// Match reports whether key matches the glob pattern.
func Match(p string, key string) (bool, error) {
	if p == "" {
		return false, fmt.Errorf("pattern must not be empty")
	}
	if p == "*" {
		return true, nil
	}
	if !IsGlob(p) {
		return p == key, nil
	}

	// Prefix patterns ("user:42:*") are the common invalidation shape.
	if trimmed := strings.TrimSuffix(p, "*"); !IsGlob(trimmed) {
		return strings.HasPrefix(key, trimmed), nil
	}

	re, err := compile(p)
	if err != nil {
		return false, err
	}
	return re.MatchString(key), nil
}

// Filter returns the subset of keys matching the glob pattern, preserving
// input order.
func Filter(p string, keys []string) ([]string, error) {
	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		ok, err := Match(p, key)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func compile(p string) (*regexp.Regexp, error) {
	regexMu.RLock()
	re, ok := regexCache[p]
	regexMu.RUnlock()
	if ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(p); i++ {
		switch ch := p[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}

	regexMu.Lock()
	regexCache[p] = re
	regexMu.Unlock()
	return re, nil
}
