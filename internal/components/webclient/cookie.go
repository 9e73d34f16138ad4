package webclient

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
)

// ParseCookies splits a browser cookie string ("a=1; b=2") into name/value
// pairs. Only the first '=' separates name from value, malformed parts are skipped.
func ParseCookies(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// CookieList is ParseCookies as http cookies, sorted by name.
func CookieList(raw string) []*http.Cookie {
	parsed := ParseCookies(raw)
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*http.Cookie, len(names))
	for i, name := range names {
		out[i] = &http.Cookie{Name: name, Value: parsed[name]}
	}
	return out
}

// NewJar creates a cookie jar seeded with the cookies in raw for siteUrl.
func NewJar(siteUrl, raw string) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return jar, nil
	}
	parsed, err := url.Parse(siteUrl)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(parsed, CookieList(raw))
	return jar, nil
}
