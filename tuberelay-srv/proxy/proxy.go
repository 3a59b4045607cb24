package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/tuberelay/tuberelay-srv/config"
	"github.com/codefionn/tuberelay/tuberelay-srv/logger"
	"github.com/codefionn/tuberelay/tuberelay-srv/stats"
)

type contextKey struct {
	name string
}

var clientKey = &contextKey{name: "http-client"}
var clientIPKey = &contextKey{name: "client-ip"}

func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	clientVal := ctx.Value(clientKey)
	if clientVal == nil {
		return nil, false
	}
	client, ok := clientVal.(*http.Client)
	return client, ok
}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIPVal := ctx.Value(clientIPKey)
	if clientIPVal == nil {
		return "", false
	}
	clientIP, ok := clientIPVal.(string)
	return clientIP, ok
}

// Proxy holds the process-wide state shared by all listeners: the
// configuration, the compiled allowlist, the egress rules and the stats
// collector. None of it mutates after NewProxy returns.
type Proxy struct {
	config    *config.Config
	allowlist *Allowlist
	collector stats.Collector
	servers   []*Server
}

// Server is one listen socket with its own mode.
type Server struct {
	config       *config.Config
	serverConfig config.ServerConfig
	server       *http.Server
	proxy        *Proxy
}

// NewProxy builds the shared proxy state and one Server per enabled
// listener. An empty allowlist is permitted but denies every destination.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	allowlist, err := NewAllowlist(cfg.Allowlist)
	if err != nil {
		return nil, err
	}
	if allowlist.Empty() {
		logger.Warn("Allowlist is empty: every destination will be denied")
	}

	p := &Proxy{
		config:    cfg,
		allowlist: allowlist,
		servers:   make([]*Server, 0, len(cfg.Servers)),
	}

	if cfg.Statistics.Enabled {
		p.collector = stats.NewAtomicCollector()
	} else {
		p.collector = stats.NewDummyCollector()
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}

		switch serverCfg.Mode {
		case config.ModeStandard, config.ModeRedirect, config.ModeBuffered:
		default:
			return nil, NewProxyError(ErrCodeInvalidServerConfig,
				GetErrorDescription(ErrCodeInvalidServerConfig),
				fmt.Errorf("unknown mode %q for server %s", serverCfg.Mode, serverCfg.ListenAddress))
		}

		p.servers = append(p.servers, &Server{
			config:       cfg,
			serverConfig: serverCfg,
			server:       &http.Server{Addr: serverCfg.ListenAddress},
			proxy:        p,
		})
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p, nil
}

// Collector exposes the stats collector, mainly for the snapshot dump
// on shutdown.
func (p *Proxy) Collector() stats.Collector {
	return p.collector
}

// Start runs all enabled servers and blocks until they stop.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var startErrors []error

	for _, server := range p.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			if err := s.Start(); err != nil && err != http.ErrServerClosed {
				mu.Lock()
				startErrors = append(startErrors, err)
				mu.Unlock()
			}
		}(server)
	}

	wg.Wait()

	if len(startErrors) > 0 {
		return startErrors[0]
	}
	return nil
}

// StartWithListener serves the first configured server on an existing
// listener. Used by tests to bind to an ephemeral port.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return NewProxyError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}
	return p.servers[0].StartWithListener(listener)
}

func (p *Proxy) Stop() error {
	var lastErr error
	for _, server := range p.servers {
		if err := server.Stop(); err != nil {
			lastErr = err
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
		}
	}
	if err := p.collector.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

// newHTTPServer builds the http.Server for this listener. ConnContext
// attaches a per-connection http.Client whose transport dials through
// the egress layer, plus the client IP for logging and stats.
func (s *Server) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  time.Duration(s.config.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.config.TimeoutSeconds) * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					logger.Debug("DialContext: network=%s addr=%s", network, addr)
					return s.proxy.dialEgress(ctx, addr, "http")
				},
				DisableKeepAlives:     false,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			}
			client := &http.Client{
				Timeout:   time.Duration(s.config.TimeoutSeconds) * time.Second,
				Transport: transport,
				CheckRedirect: func(req *http.Request, via []*http.Request) error {
					// Redirects belong to the browser, not the proxy
					return http.ErrUseLastResponse
				},
			}
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			ctx = WithClient(ctx, client)
			ctx = WithClientIP(ctx, clientIP)
			return ctx
		},
	}
}

func (s *Server) Start() error {
	s.server = s.newHTTPServer(s.serverConfig.ListenAddress)
	logger.Info("Starting %s proxy server on %s", s.serverConfig.Mode, s.serverConfig.ListenAddress)
	return s.server.ListenAndServe()
}

func (s *Server) StartWithListener(listener net.Listener) error {
	s.server = s.newHTTPServer(listener.Addr().String())
	logger.Info("Starting %s proxy server on %s", s.serverConfig.Mode, listener.Addr().String())
	return s.server.Serve(listener)
}

func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// handleRequest dispatches between the CONNECT tunnel and the per-mode
// HTTP forwarding paths.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}

	ctx := r.Context()
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	targetURL, err := resolveDestination(r)
	if err != nil {
		logger.Warn("Malformed destination from %s: %v", clientIP, err)
		writeProxyErrorResponse(w, err, ErrCodeMalformedDestination)
		return
	}

	host := targetURL.Hostname()
	if !s.proxy.allowlist.Allowed(host) {
		logger.Warn("Host not allowed: %s (client %s)", host, clientIP)
		if recErr := s.proxy.collector.RecordBlockedRequest(ctx, clientIP, host, "host_not_allowed"); recErr != nil {
			logger.Error("Failed to record blocked request: %v", recErr)
		}
		writeProxyErrorResponse(w, NewAccessControlError(ErrCodeHostNotAllowed,
			GetErrorDescription(ErrCodeHostNotAllowed), nil), ErrCodeHostNotAllowed)
		return
	}

	if recErr := s.proxy.collector.RecordAllowedRequest(ctx, clientIP, host); recErr != nil {
		logger.Error("Failed to record allowed request: %v", recErr)
	}

	if s.serverConfig.Mode == config.ModeRedirect {
		logger.Debug("Redirecting client %s to %s", clientIP, targetURL)
		http.Redirect(w, r, targetURL.String(), http.StatusFound)
		return
	}

	client, ok := ClientFromContext(ctx)
	if !ok || client == nil {
		logger.Error("No http.Client found in request context")
		writeProxyErrorResponse(w, NewInternalError(ErrCodeHTTPClientNotFound,
			GetErrorDescription(ErrCodeHTTPClientNotFound), nil), ErrCodeHTTPClientNotFound)
		return
	}

	s.forwardRequest(w, r, client, targetURL)
}

// resolveDestination determines the absolute target URL for a
// non-CONNECT request. Absolute request targets win; the path form
// ("GET /https://host/path") used by clients that treat the proxy as an
// origin server comes second; a bare origin-form request resolves
// against the Host header.
func resolveDestination(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}

	if path := strings.TrimPrefix(r.URL.Path, "/"); strings.Contains(path, "://") {
		decoded, err := url.PathUnescape(path)
		if err != nil {
			decoded = path
		}
		if r.URL.RawQuery != "" {
			decoded += "?" + r.URL.RawQuery
		}
		embedded, err := url.Parse(decoded)
		if err == nil && embedded.IsAbs() && embedded.Host != "" {
			return embedded, nil
		}
	}

	if r.Host == "" {
		return nil, NewHTTPError(ErrCodeMalformedDestination,
			GetErrorDescription(ErrCodeMalformedDestination),
			fmt.Errorf("no destination in request line or Host header"))
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	target, err := url.Parse(fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI()))
	if err != nil {
		return nil, NewHTTPError(ErrCodeMalformedDestination,
			GetErrorDescription(ErrCodeMalformedDestination), err)
	}
	return target, nil
}

// forwardRequest relays a non-CONNECT request upstream and streams the
// response back. In buffered mode the upstream body is read in full
// before the first byte reaches the client.
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, client *http.Client, targetURL *url.URL) {
	ctx := r.Context()

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL.String(), r.Body)
	if err != nil {
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeHTTPForwardFailed,
			GetErrorDescription(ErrCodeHTTPForwardFailed), err), ErrCodeHTTPForwardFailed)
		return
	}
	req.ContentLength = r.ContentLength

	websocket := isWebSocketUpgrade(r)
	sanitizeOutbound(req.Header, r.Header, s.config.Identity, websocket)

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", targetURL.Host, err)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			http.Error(w, "Request timeout", http.StatusGatewayTimeout)
			return
		}
		writeProxyErrorResponse(w, err, ErrCodeHTTPForwardFailed)
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if websocket && resp.StatusCode == http.StatusSwitchingProtocols &&
		strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		logger.Debug("Handling WebSocket upgrade response from %s", targetURL.Host)
		s.handleWebSocketTunnel(w, r, resp, client)
		return
	}

	if recErr := s.proxy.collector.RecordHTTPResponse(ctx, 0, resp.StatusCode, resp.ContentLength); recErr != nil {
		logger.Error("Failed to record HTTP response: %v", recErr)
	}

	if s.serverConfig.Mode == config.ModeBuffered {
		s.writeBufferedResponse(w, resp, targetURL.Host)
		return
	}

	sanitizeInbound(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Error("Failed to copy response body from %s: %v", targetURL.Host, err)
	}
}

// writeBufferedResponse materializes the upstream body so the client
// receives a response with a known Content-Length. Large media bodies
// cost memory here; that is the point of the mode.
func (s *Server) writeBufferedResponse(w http.ResponseWriter, resp *http.Response, targetHost string) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		logger.Error("Failed to buffer response body from %s: %v", targetHost, err)
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeHTTPForwardFailed,
			GetErrorDescription(ErrCodeHTTPForwardFailed), err), ErrCodeHTTPForwardFailed)
		return
	}

	sanitizeInbound(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(resp.StatusCode)
	if _, err := buf.WriteTo(w); err != nil {
		logger.Error("Failed to write buffered response body: %v", err)
	}
}

// handleWebSocketTunnel relays a successful 101 upgrade as a raw byte
// stream in both directions. For protocol switches the response body is
// the upgraded connection itself (an io.ReadWriteCloser), already past
// the handshake.
func (s *Server) handleWebSocketTunnel(w http.ResponseWriter, r *http.Request, resp *http.Response, _ *http.Client) {
	targetHost := resp.Request.URL.Host

	upstream, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		logger.Error("Upgrade response body is not writable for %s", targetHost)
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeWebSocketTunneling,
			GetErrorDescription(ErrCodeWebSocketTunneling), nil), ErrCodeWebSocketTunneling)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking for WebSocket")
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeHTTPHijackUnsupported,
			GetErrorDescription(ErrCodeHTTPHijackUnsupported), nil), ErrCodeHTTPHijackUnsupported)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection for WebSocket: %v", err)
		return
	}

	responseHeaders := []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)))
	for name, values := range resp.Header {
		for _, value := range values {
			responseHeaders = append(responseHeaders, []byte(fmt.Sprintf("%s: %s\r\n", name, value))...)
		}
	}
	responseHeaders = append(responseHeaders, []byte("\r\n")...)

	if _, err := clientConn.Write(responseHeaders); err != nil {
		closeConn(clientConn)
		if closeErr := upstream.Close(); closeErr != nil {
			logger.Error("Error closing upstream connection: %v", closeErr)
		}
		logger.Error("Failed to send WebSocket response headers: %v", err)
		return
	}

	relayStreams(clientConn, clientBuf, rwcConn{upstream})
	logger.Debug("WebSocket tunnel closed for %s", targetHost)
}

// rwcConn adapts an upgraded response body to the net.Conn shape
// relayStreams expects. Only Read, Write and Close are ever used.
type rwcConn struct {
	io.ReadWriteCloser
}

func (rwcConn) LocalAddr() net.Addr                { return nil }
func (rwcConn) RemoteAddr() net.Addr               { return nil }
func (rwcConn) SetDeadline(t time.Time) error      { return nil }
func (rwcConn) SetReadDeadline(t time.Time) error  { return nil }
func (rwcConn) SetWriteDeadline(t time.Time) error { return nil }

// handleConnect implements the CONNECT tunnel. The connection is
// hijacked before any status is written so every response on this path
// is an exact raw status line, matching what tunnel clients expect.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetAddr := r.Host
	logger.Debug("CONNECT request for %s", targetAddr)

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		writeProxyErrorResponse(w, NewHTTPError(ErrCodeHTTPHijackUnsupported,
			GetErrorDescription(ErrCodeHTTPHijackUnsupported), nil), ErrCodeHTTPHijackUnsupported)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		return
	}

	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil || host == "" {
		logger.Warn("Malformed CONNECT target %q from %s", targetAddr, clientIP)
		writeRawStatus(clientConn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		closeConn(clientConn)
		return
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		logger.Warn("Malformed CONNECT port %q from %s", portStr, clientIP)
		writeRawStatus(clientConn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		closeConn(clientConn)
		return
	}

	if !s.proxy.allowlist.Allowed(host) {
		logger.Warn("CONNECT host not allowed: %s (client %s)", host, clientIP)
		if recErr := s.proxy.collector.RecordBlockedRequest(ctx, clientIP, host, "host_not_allowed"); recErr != nil {
			logger.Error("Failed to record blocked request: %v", recErr)
		}
		writeRawStatus(clientConn, "HTTP/1.1 403 Forbidden\r\n\r\n")
		closeConn(clientConn)
		return
	}

	if recErr := s.proxy.collector.RecordAllowedRequest(ctx, clientIP, host); recErr != nil {
		logger.Error("Failed to record allowed request: %v", recErr)
	}

	// The request context dies with the hijack; dial on a fresh one
	dialCtx, dialCancel := context.WithTimeout(context.Background(),
		time.Duration(s.config.TimeoutSeconds)*time.Second)
	dialCtx = WithClientIP(dialCtx, clientIP)
	targetConn, err := s.proxy.dialEgress(dialCtx, targetAddr, "connect")
	dialCancel()
	if err != nil {
		logger.Error("Failed to establish tunnel to %s: %v", targetAddr, err)
		writeRawStatus(clientConn, "HTTP/1.1 500 Internal Server Error\r\n\r\n")
		closeConn(clientConn)
		return
	}

	established := fmt.Sprintf("HTTP/1.1 200 Connection Established\r\nProxy-Agent: %s\r\n\r\n",
		s.config.Identity.ProxyAgent)
	if _, err := clientConn.Write([]byte(established)); err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		closeConn(clientConn)
		closeConn(targetConn)
		return
	}

	if recErr := s.proxy.collector.RecordTunnel(ctx, 0); recErr != nil {
		logger.Error("Failed to record tunnel: %v", recErr)
	}

	logger.Debug("Tunnel established to %s for %s", targetAddr, clientIP)
	relayStreams(clientConn, clientBuf, targetConn)
	logger.Debug("Tunnel closed for %s", targetAddr)
}

// relayStreams pumps bytes between the hijacked client connection and
// the target until either side closes. Any bytes the HTTP server
// already buffered from the client are replayed to the target first.
func relayStreams(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetConn net.Conn) {
	defer closeConn(clientConn)
	defer closeConn(targetConn)

	var wg sync.WaitGroup
	wg.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer wg.Done()
		defer cancel()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if _, err := clientBuf.Reader.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := io.Copy(targetConn, clientConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("Tunnel copy error (client to target): %v", err)
			}
		}
		closeWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if _, err := io.Copy(clientConn, targetConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("Tunnel copy error (target to client): %v", err)
			}
		}
		closeWrite(clientConn)
	}()

	go func() {
		<-ctx.Done()
		closeConn(clientConn)
		closeConn(targetConn)
	}()

	wg.Wait()
}

// closeWrite half-closes the write side so the peer observes EOF while
// its remaining data can still drain.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing connection: %v", err)
	}
}

func writeRawStatus(conn net.Conn, status string) {
	if _, err := conn.Write([]byte(status)); err != nil && !isClosedConnError(err) {
		logger.Error("Failed to write status line: %v", err)
	}
}
