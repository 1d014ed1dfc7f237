// Package origin decides which browser origins may reach the relay's HTTP
// and WebSocket endpoints.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy is an origin allowlist. An empty allowlist means same-host only;
// "*" allows any origin.
type Policy struct {
	Allowed []string
}

func NewPolicy(allowed []string) *Policy {
	return &Policy{Allowed: allowed}
}

// Check reports whether r may proceed. Requests without an Origin header are
// not browser cross-origin requests and are always allowed; in that case the
// returned origin is empty.
func (p *Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return "", false
	}
	var allowed []string
	if p != nil {
		allowed = p.Allowed
	}
	return normalized, IsAllowed(normalized, host, r.Host, allowed)
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p *Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// NormalizeHeader validates an Origin header value and returns it as
// scheme://host[:port] along with host[:port]. "null" is returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether normalizedOrigin may access requestHost. With an
// explicit allowlist the origin must appear in it verbatim (or the list holds
// "*"). Otherwise host:port must match the request's Host; the scheme is not
// compared since TLS is often terminated upstream.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// canonicalHost lowercases an authority, brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(authority))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != 0 {
		hostname += ":" + strconv.FormatUint(port, 10)
	}
	return hostname, true
}

// splitHostPort splits host[:port]. IPv6 hostnames are returned without
// brackets; the port is not validated.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if rest, isV6 := strings.CutPrefix(raw, "["); isV6 {
		hostname, rest, found := strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if rest == "" {
			return hostname, "", true
		}
		port, hasPort := strings.CutPrefix(rest, ":")
		if !hasPort || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	if strings.Count(raw, ":") > 1 {
		return "", "", false
	}
	hostname, port, found := strings.Cut(raw, ":")
	if found && (hostname == "" || port == "") {
		return "", "", false
	}
	return hostname, port, true
}
