// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import "strings"

// idPlaceholder replaces numeric path segments and <param> pattern segments.
const idPlaceholder = "<id>"

// NormalizePath strips the query string and trailing slash and replaces
// every all-digit segment with <id>. Non-numeric segments are kept as is.
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if isDigits(s) {
			segs[i] = idPlaceholder
		}
	}
	return strings.Join(segs, "/")
}

// normalizePattern normalizes an endpoint rule. A trailing /* or a bare *
// is preserved; <name> segments become <id>.
func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "*" || p == "/*" {
		return "/*"
	}
	wild := strings.HasSuffix(p, "/*")
	if wild {
		p = strings.TrimSuffix(p, "/*")
	}
	p = NormalizePath(p)
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if len(s) > 2 && s[0] == '<' && s[len(s)-1] == '>' {
			segs[i] = idPlaceholder
		}
	}
	p = strings.Join(segs, "/")
	if wild {
		if p == "/" {
			return "/*"
		}
		return p + "/*"
	}
	return p
}

// MatchEndpoint reports whether path matches pattern. Both sides are
// normalized. A pattern P/* matches any path starting with P/, at any
// depth; * and /* match everything.
func MatchEndpoint(pattern, path string) bool {
	pat := normalizePattern(pattern)
	np := NormalizePath(path)
	if pat == "/*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pat, "*"); ok {
		return strings.HasPrefix(np, prefix)
	}
	return pat == np
}

// matchAny reports whether path matches at least one pattern.
func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchEndpoint(p, path) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
