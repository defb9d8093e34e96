// Package origin implements the browser Origin policy shared by the HTTP
// routes and the signaling WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header value and returns it as
// scheme://host[:port], lower-cased, with the scheme's default port removed.
// The opaque origin "null" is returned unchanged.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return raw, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host, ok := canonicalHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

// canonicalHost lower-cases an authority and drops the default port for
// scheme. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))

	var hostname, port string
	if rest, ok := strings.CutPrefix(authority, "["); ok {
		inside, after, found := strings.Cut(rest, "]")
		if !found || inside == "" {
			return "", false
		}
		hostname = "[" + inside + "]"
		if after != "" {
			p, ok := strings.CutPrefix(after, ":")
			if !ok || p == "" {
				return "", false
			}
			port = p
		}
	} else {
		switch strings.Count(authority, ":") {
		case 0:
			hostname = authority
		case 1:
			hostname, port, _ = strings.Cut(authority, ":")
			if port == "" {
				return "", false
			}
		default:
			// Unbracketed IPv6 is not a valid authority.
			return "", false
		}
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			return hostname, true
		}
		return hostname + ":" + strconv.FormatUint(n, 10), true
	}
	return hostname, true
}

// Policy decides whether a browser origin may use the service.
//
// With an empty Allowed list only same-host origins are accepted: the Origin
// host[:port] must match the request Host. The scheme is not compared because
// TLS is commonly terminated in front of the service. Otherwise each entry is
// either "*" or a normalized origin.
type Policy struct {
	Allowed []string
}

// Check reports whether r is allowed. Requests without an Origin header are
// not from a browser page and are always allowed; in that case the returned
// origin is empty.
func (p Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if allowed == "*" || allowed == normalized {
				return normalized, true
			}
		}
		return "", false
	}

	scheme, originHost, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return "", false
	}
	requestHost, ok := canonicalHost(r.Host, scheme)
	if !ok {
		return "", false
	}
	return normalized, originHost == requestHost
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}
