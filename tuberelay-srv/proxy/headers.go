package proxy

import (
	"net/http"
	"strings"

	"github.com/codefionn/tuberelay/tuberelay-srv/config"
)

// Hop-by-hop headers are meaningful only for a single transport link and
// must not be forwarded (RFC 7230, section 6.1).
var hopByHopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Te":                {},
	"Trailer":           {},
	"Upgrade":           {},
}

// Proxy control headers are consumed by this proxy and never forwarded.
var proxyControlHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
}

func isHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}
	_, ok := proxyControlHeaders[canonical]
	return ok
}

// connectionNamedHeaders returns the header names listed in the Connection
// header, which the sender nominated as hop-by-hop for this link.
func connectionNamedHeaders(h http.Header) []string {
	var named []string
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				named = append(named, http.CanonicalHeaderKey(name))
			}
		}
	}
	return named
}

// removeHopByHopHeaders strips hop-by-hop and proxy control headers in
// place, including any headers nominated via the Connection header.
func removeHopByHopHeaders(h http.Header) {
	for _, name := range connectionNamedHeaders(h) {
		h.Del(name)
	}
	for name := range hopByHopHeaders {
		h.Del(name)
	}
	for name := range proxyControlHeaders {
		h.Del(name)
	}
}

// applyIdentity rewrites the request headers so the destination sees a
// plausible browser session. Referer and Origin are always overwritten;
// User-Agent and Accept-Language are filled only when the client sent none,
// so a real browser's own values survive.
func applyIdentity(h http.Header, identity config.IdentityConfig) {
	if identity.Referer != "" {
		h.Set("Referer", identity.Referer)
	}
	if identity.Origin != "" {
		h.Set("Origin", identity.Origin)
	}
	if h.Get("User-Agent") == "" && identity.UserAgent != "" {
		h.Set("User-Agent", identity.UserAgent)
	}
	if h.Get("Accept-Language") == "" && identity.AcceptLanguage != "" {
		h.Set("Accept-Language", identity.AcceptLanguage)
	}
}

// sanitizeOutbound prepares client request headers for the destination.
// WebSocket upgrades keep their Connection/Upgrade handshake headers.
func sanitizeOutbound(dst http.Header, src http.Header, identity config.IdentityConfig, websocket bool) {
	nominated := map[string]struct{}{}
	for _, name := range connectionNamedHeaders(src) {
		nominated[name] = struct{}{}
	}

	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		if _, ok := nominated[http.CanonicalHeaderKey(name)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}

	if websocket {
		dst.Set("Connection", "Upgrade")
		dst.Set("Upgrade", "websocket")
	}

	applyIdentity(dst, identity)
}

// sanitizeInbound copies destination response headers back to the client,
// stripping the hop-by-hop set. Everything else passes through unchanged,
// Content-Range and Accept-Ranges included, so partial content streaming
// keeps working through the proxy.
func sanitizeInbound(dst http.Header, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// isWebSocketUpgrade reports whether the request asks to switch protocols
// to WebSocket.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, value := range r.Header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
