package fetch

import (
	"net/http"
	"strings"
)

type (
	// CookieSource supplies the cookies which should be attached to
	// requests made on behalf of the given domain.
	CookieSource interface {
		CookiesFor(domain string) []*http.Cookie
	}

	CookieConfig struct {
		Domain string `yaml:"domain"`
		Name   string `yaml:"name"`
		Value  string `yaml:"value"`
	}

	// StaticCookieSource is a CookieSource backed by a fixed set of cookies,
	// typically provided via configuration. Cookies registered against a
	// domain also apply to its subdomains.
	StaticCookieSource struct {
		cookies map[string][]*http.Cookie
	}
)

func NewStaticCookieSource(entries []CookieConfig) *StaticCookieSource {
	source := &StaticCookieSource{cookies: make(map[string][]*http.Cookie)}
	for _, e := range entries {
		domain := normaliseDomain(e.Domain)
		if domain == "" || e.Name == "" {
			log.Warnf("Ignoring cookie configuration with missing domain or name (%q/%q)\n", e.Domain, e.Name)
			continue
		}

		source.cookies[domain] = append(source.cookies[domain], &http.Cookie{Name: e.Name, Value: e.Value})
	}

	return source
}

func (s *StaticCookieSource) CookiesFor(domain string) []*http.Cookie {
	domain = normaliseDomain(domain)
	var out []*http.Cookie
	for domain != "" {
		out = append(out, s.cookies[domain]...)

		_, parent, ok := strings.Cut(domain, ".")
		if !ok || !strings.Contains(parent, ".") {
			break
		}
		domain = parent
	}

	return out
}

func normaliseDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// attachCookies adds the cookies for each of the domains provided to the request,
// skipping any cookie whose name has already been attached.
func attachCookies(req *http.Request, source CookieSource, domains ...string) {
	if source == nil {
		return
	}

	seen := make(map[string]bool)
	for _, c := range req.Cookies() {
		seen[c.Name] = true
	}

	for _, domain := range domains {
		if domain == "" {
			continue
		}

		for _, c := range source.CookiesFor(domain) {
			if seen[c.Name] {
				continue
			}

			seen[c.Name] = true
			req.AddCookie(c)
		}
	}
}
