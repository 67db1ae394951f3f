package scrape

import (
	"net/url"
	"strings"
)

// TargetKey extracts the normalized rate-limiting key (host) from a URL.
// It returns "unknown" if the URL is invalid.
func TargetKey(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
