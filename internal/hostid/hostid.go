// Package hostid turns Origin, Referer and remote-address strings into the
// lookup key used by the access lists.
package hostid

import (
	"net/netip"
	"strings"
	"unicode"
)

// Identity is a normalized host key. Two raw inputs that normalize to the
// same Identity are the same requester.
type Identity string

const (
	// Loopback is the canonical loopback identity. "::1" normalizes to it.
	Loopback Identity = "127.0.0.1"

	localhost Identity = "localhost"
)

func (id Identity) String() string { return string(id) }

// Host returns the identity without a port suffix.
func (id Identity) Host() string {
	host, _ := splitHostPort(string(id))
	return host
}

// IsLoopback reports whether id names the local machine.
func (id Identity) IsLoopback() bool {
	host := Identity(id.Host())
	return host == Loopback || host == localhost
}

// Normalizer canonicalizes raw host strings. The zero value strips ports.
type Normalizer struct {
	// KeepPort keeps the port so that http://a:8080 and http://a:9090 are
	// different identities.
	KeepPort bool
}

// Normalize canonicalizes raw with port stripping.
func Normalize(raw string) Identity {
	return Normalizer{}.Normalize(raw)
}

// Normalize never fails; input it cannot parse comes back lower-cased and
// trimmed. Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(raw string) Identity {
	h := strings.ToLower(strings.TrimSpace(raw))

	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+len("://"):]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, "@"); i >= 0 {
		h = h[i+1:]
	}

	host, port := splitHostPort(strings.TrimSpace(h))
	host = canonicalIP(host)

	if !n.KeepPort || port == "" {
		return Identity(host)
	}
	if strings.Contains(host, ":") {
		return Identity("[" + host + "]:" + port)
	}
	return Identity(host + ":" + port)
}

// splitHostPort accepts "[v6]:port", "[v6]", "host:port", "host" and bare
// IPv6 literals. A bare literal with more than one colon has no port.
// Brackets around something that is not an IP, or a bracket that is never
// closed, fall back to the plain split so that a second pass over the
// result splits it the same way.
func splitHostPort(h string) (host, port string) {
	if !strings.HasPrefix(h, "[") {
		return splitPlain(h)
	}
	end := strings.Index(h, "]")
	if end < 0 {
		return splitPlain(h)
	}
	host = trim(h[1:end])
	if rest := h[end+1:]; strings.HasPrefix(rest, ":") {
		port = trim(rest[1:])
	}
	if _, err := netip.ParseAddr(host); err != nil {
		inner, innerPort := splitPlain(host)
		host = inner
		if port == "" {
			port = innerPort
		}
	}
	return host, port
}

func splitPlain(h string) (host, port string) {
	if strings.Count(h, ":") == 1 {
		host, port, _ = strings.Cut(h, ":")
		return trim(host), trim(port)
	}
	return trim(h), ""
}

// trim drops surrounding spaces and stray brackets. A result never starts
// with "[", so it cannot be mistaken for a bracketed literal later.
func trim(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r == '[' || r == ']' || unicode.IsSpace(r)
	})
}

func canonicalIP(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	addr = addr.Unmap()
	if addr == netip.IPv6Loopback() {
		return string(Loopback)
	}
	return addr.String()
}
