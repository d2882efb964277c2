package pulse

import "strings"

// placeholderSegment is what dynamic path segments collapse into, so that
// /users/123 and /users/456 aggregate under the same pattern.
const placeholderSegment = "{id}"

// NormalizePath maps a concrete request path to a canonical template by
// replacing dynamic segments with a placeholder. Purely heuristic: all-digit
// and UUID-shaped segments are considered dynamic. The function is
// deterministic and idempotent, and tolerates empty paths and trailing
// slashes.
func NormalizePath(path string) string {
	path = cleanPath(path)
	if path == "/" {
		return path
	}

	segments := strings.Split(path[1:], "/")
	for i, seg := range segments {
		if isDynamicSegment(seg) {
			segments[i] = placeholderSegment
		}
	}
	return "/" + strings.Join(segments, "/")
}

// cleanPath guarantees a leading slash and strips a trailing one, leaving the
// bare root untouched.
func cleanPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// isDynamicSegment classifies a single path segment as dynamic. Template
// placeholders like {user_id} count as dynamic already, which is what makes
// NormalizePath idempotent.
func isDynamicSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return true
	}
	return isAllDigits(seg) || isUUID(seg)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// isUUID matches the canonical 8-4-4-4-12 hex form, case-insensitive.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexDigit(r) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// templateMatcher resolves concrete paths against a set of declared route
// templates before falling back to the heuristic normalizer. Matching a
// declared template keeps store patterns aligned with registry descriptors.
type templateMatcher struct {
	exact     map[string]string
	templated []templateRoute
}

type templateRoute struct {
	template string
	segments []string
}

func newTemplateMatcher(templates []string) *templateMatcher {
	m := &templateMatcher{exact: make(map[string]string)}
	for _, t := range templates {
		t = cleanPath(t)
		if strings.Contains(t, "{") {
			m.templated = append(m.templated, templateRoute{
				template: t,
				segments: strings.Split(t[1:], "/"),
			})
		} else {
			m.exact[t] = t
		}
	}
	return m
}

// Normalize prefers an exact or template match against declared routes, and
// falls back to the segment heuristic for unmatched paths.
func (m *templateMatcher) Normalize(path string) string {
	path = cleanPath(path)
	if t, ok := m.exact[path]; ok {
		return t
	}
	if path != "/" {
		segments := strings.Split(path[1:], "/")
		for _, route := range m.templated {
			if matchTemplate(route.segments, segments) {
				return route.template
			}
		}
	}
	return NormalizePath(path)
}

func matchTemplate(template, concrete []string) bool {
	if len(template) != len(concrete) {
		return false
	}
	for i, seg := range template {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if seg != concrete[i] {
			return false
		}
	}
	return true
}
