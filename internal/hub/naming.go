package hub

import (
	"fmt"
	"net/url"
	"strings"
)

// Sanitize maps any character outside [A-Za-z0-9_] to an underscore. Empty
// input stays empty. Idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DomainTag derives a registry tag from a page URL. Loopback hosts normalise
// to localhost_<port> (port 80 when absent); other hosts have dots replaced
// with underscores; non-navigable or unparsable origins become "unknown";
// scheme-specific origins (extensions, internal browser pages) use their
// authority component.
func DomainTag(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "unknown"
	}

	if isLoopback(host) {
		port := u.Port()
		if port == "" {
			port = "80"
		}
		return "localhost_" + port
	}

	return Sanitize(strings.ReplaceAll(host, ".", "_"))
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ToolID builds the globally unique identifier for a tool. Callers outside
// the hub must treat the result as opaque.
func ToolID(domainTag string, pageIndex int, originalName string) string {
	return fmt.Sprintf("webmcp_%s_page%d_%s", domainTag, pageIndex, Sanitize(originalName))
}
