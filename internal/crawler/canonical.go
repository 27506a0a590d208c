package crawler

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DefaultOrigin is the listing site's origin.
const DefaultOrigin = "https://www.rootdata.com"

const placeholderPrefix = "javascript:void(0)"

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// Canonicalizer turns scraped hrefs into stable identity strings.
type Canonicalizer struct {
	Origin string
	// NewToken mints the opaque part of a placeholder key when no fallback
	// name is available. Defaults to a random UUID.
	NewToken func() string
}

// NewCanonicalizer returns a canonicalizer for origin (DefaultOrigin if empty).
func NewCanonicalizer(origin string) *Canonicalizer {
	if strings.TrimSpace(origin) == "" {
		origin = DefaultOrigin
	}
	return &Canonicalizer{Origin: strings.TrimRight(origin, "/")}
}

// CanonicalizeLink canonicalizes rawPath against DefaultOrigin.
func CanonicalizeLink(rawPath, fallbackName string) string {
	return NewCanonicalizer(DefaultOrigin).Canonicalize(rawPath, fallbackName)
}

// IsPlaceholderLink reports whether link is a synthesized key for a project
// with no navigable page.
func IsPlaceholderLink(link string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "javascript:")
}

// Canonicalize is total: every input string yields a usable key.
func (c *Canonicalizer) Canonicalize(rawPath, fallbackName string) string {
	raw := strings.TrimSpace(rawPath)
	if raw == "" || raw == "#" || IsPlaceholderLink(raw) {
		return c.placeholder(fallbackName)
	}

	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	default:
		raw = c.origin() + "/" + strings.TrimLeft(raw, "/")
	}

	schemeEnd := 0
	if i := strings.Index(raw, "://"); i >= 0 {
		schemeEnd = i + len("://")
	}
	scheme, rest := raw[:schemeEnd], raw[schemeEnd:]

	var fragment string
	if i := strings.Index(rest, "#"); i >= 0 {
		rest, fragment = rest[:i], rest[i+1:]
	}
	var query string
	if i := strings.Index(rest, "?"); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	host, path := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		host, path = rest[:i], rest[i:]
	}
	path = repeatedSlashes.ReplaceAllString(path, "/")

	var b strings.Builder
	b.WriteString(strings.ToLower(scheme))
	b.WriteString(strings.ToLower(host))
	b.WriteString(path)
	if q := dedupeQuery(query); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}
	if f := dedupeFragment(fragment); f != "" {
		b.WriteString("#")
		b.WriteString(f)
	}
	return b.String()
}

func (c *Canonicalizer) origin() string {
	if c.Origin == "" {
		return DefaultOrigin
	}
	return c.Origin
}

func (c *Canonicalizer) placeholder(fallbackName string) string {
	name := strings.TrimSpace(fallbackName)
	if name != "" {
		return placeholderPrefix + "#name=" + url.QueryEscape(name)
	}
	token := ""
	if c.NewToken != nil {
		token = c.NewToken()
	}
	if token == "" {
		token = uuid.NewString()
	}
	return placeholderPrefix + "#token=" + token
}

// dedupeQuery keeps the first occurrence of each key, preserving order.
func dedupeQuery(query string) string {
	if query == "" {
		return ""
	}
	seen := make(map[string]struct{})
	var kept []string
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func dedupeFragment(fragment string) string {
	if fragment == "" {
		return ""
	}
	seen := make(map[string]struct{})
	var kept []string
	for _, part := range strings.Split(fragment, "#") {
		if part == "" {
			continue
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		kept = append(kept, part)
	}
	return strings.Join(kept, "#")
}

// NameFromLink extracts the display name encoded in a project detail link,
// e.g. ".../Projects/detail/Ripple%20Labs?k=..." yields "Ripple Labs".
func NameFromLink(link string) string {
	if IsPlaceholderLink(link) {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	name, err := url.PathUnescape(last)
	if err != nil {
		return last
	}
	return strings.TrimSpace(name)
}

var nonAlphanumeric = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// NamesDiffer is the repair heuristic: the stored name and the name encoded in
// the link disagree once case, spacing and punctuation are ignored.
func NamesDiffer(storedName, link string) bool {
	fromLink := NameFromLink(link)
	if fromLink == "" {
		return false
	}
	normalize := func(s string) string {
		return strings.ToLower(nonAlphanumeric.ReplaceAllString(s, ""))
	}
	return normalize(storedName) != normalize(fromLink)
}
