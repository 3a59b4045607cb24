package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/tuberelay/tuberelay-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config with one enabled server in the given mode
// and an allowlist covering local test servers.
func testConfig(mode config.ProxyMode, allowedDomains ...string) *config.Config {
	if len(allowedDomains) == 0 {
		allowedDomains = []string{"127.0.0.1"}
	}
	return &config.Config{
		Servers: []config.ServerConfig{
			{
				Mode:          mode,
				ListenAddress: "127.0.0.1:0",
				Enabled:       true,
			},
		},
		TimeoutSeconds:           5,
		MaxConcurrentConnections: 100,
		Allowlist:                config.AllowlistConfig{Domains: allowedDomains},
		Identity:                 config.DefaultIdentityConfig(),
	}
}

// startTestProxy starts the proxy on an ephemeral port and returns its
// address. Shutdown is registered as cleanup.
func startTestProxy(t *testing.T, cfg *config.Config) string {
	t.Helper()

	proxyInstance, err := NewProxy(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", cfg.Servers[0].ListenAddress)
	require.NoError(t, err, "Failed to create listener")
	proxyAddr := listener.Addr().String()

	go func() {
		if err := proxyInstance.StartWithListener(listener); err != nil && err != http.ErrServerClosed {
			t.Errorf("Proxy server error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = proxyInstance.Stop() })

	// Wait for proxy to start
	time.Sleep(100 * time.Millisecond)

	return proxyAddr
}

func proxyClient(t *testing.T, proxyAddr string) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 5 * time.Second,
	}
}

func TestProxyIntegration(t *testing.T) {
	testContent := "Hello, Proxy!"
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get("X-Test-Header"); v != "" {
			w.Header().Set("X-Test-Header", v)
		}
		w.Header().Set("X-Request-Method", r.Method)

		switch r.Method {
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Error(err)
			}
			_, _ = w.Write(body)
		default:
			_, _ = w.Write([]byte(testContent))
		}
	}))
	defer testServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeStandard))
	client := proxyClient(t, proxyAddr)

	t.Run("GET request", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, testServer.URL, http.NoBody)
		require.NoError(t, err)
		req.Header.Set("X-Test-Header", "test-value")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, testContent, string(body))
		assert.Equal(t, "test-value", resp.Header.Get("X-Test-Header"), "custom header was not forwarded")
		assert.Equal(t, "GET", resp.Header.Get("X-Request-Method"))
	})

	t.Run("POST request", func(t *testing.T) {
		postBody, _ := json.Marshal(map[string]string{"key": "value"})

		req, err := http.NewRequest(http.MethodPost, testServer.URL, strings.NewReader(string(postBody)))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, string(postBody), string(body))
		assert.Equal(t, "POST", resp.Header.Get("X-Request-Method"))
	})
}

func TestProxyBlocksDisallowedHost(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must never be contacted for a blocked host")
	}))
	defer testServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeStandard, "youtube.com"))
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ErrCodeHostNotAllowed)
}

func TestProxyInjectsIdentityHeaders(t *testing.T) {
	var gotReferer, gotOrigin, gotUserAgent, gotAcceptLanguage string
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotOrigin = r.Header.Get("Origin")
		gotUserAgent = r.Header.Get("User-Agent")
		gotAcceptLanguage = r.Header.Get("Accept-Language")
		w.WriteHeader(http.StatusOK)
	}))
	defer testServer.Close()

	cfg := testConfig(config.ModeStandard)
	proxyAddr := startTestProxy(t, cfg)
	client := proxyClient(t, proxyAddr)

	t.Run("client without identity headers", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, testServer.URL, http.NoBody)
		require.NoError(t, err)
		req.Header.Set("Referer", "http://localhost/")
		req.Header.Set("Origin", "http://localhost")
		// Suppress Go's default User-Agent so the identity fills in
		req.Header.Set("User-Agent", "")

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, cfg.Identity.Referer, gotReferer, "Referer must be overwritten")
		assert.Equal(t, cfg.Identity.Origin, gotOrigin, "Origin must be overwritten")
		assert.Equal(t, cfg.Identity.UserAgent, gotUserAgent, "missing User-Agent must be filled")
		assert.Equal(t, cfg.Identity.AcceptLanguage, gotAcceptLanguage)
	})

	t.Run("client with its own User-Agent", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, testServer.URL, http.NoBody)
		require.NoError(t, err)
		req.Header.Set("User-Agent", "RealBrowser/99.0")
		req.Header.Set("Accept-Language", "fr-FR")

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "RealBrowser/99.0", gotUserAgent)
		assert.Equal(t, "fr-FR", gotAcceptLanguage)
	})
}

func TestProxyRangePassThrough(t *testing.T) {
	payload := []byte("0123456789abcdef")
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Now(), strings.NewReader(string(payload)))
	}))
	defer testServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeStandard))
	client := proxyClient(t, proxyAddr)

	req, err := http.NewRequest(http.MethodGet, testServer.URL, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-7")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes 4-7/%d", len(payload)), resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(body))
}

func TestRedirectMode(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("redirect mode must not contact the upstream")
	}))
	defer testServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeRedirect))

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(testServer.URL + "/watch?v=abc")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, testServer.URL+"/watch?v=abc", resp.Header.Get("Location"))
}

func TestRedirectModeStillBlocks(t *testing.T) {
	proxyAddr := startTestProxy(t, testConfig(config.ModeRedirect, "youtube.com"))

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://blocked.example/watch")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestBufferedMode(t *testing.T) {
	payload := strings.Repeat("stream-chunk ", 1024)
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked response: no Content-Length from upstream
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write([]byte(payload[i*len(payload)/4 : (i+1)*len(payload)/4]))
			flusher.Flush()
		}
	}))
	defer testServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeBuffered))
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(testServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(payload)), resp.ContentLength, "buffered mode must set Content-Length")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(body))
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	// Grab a port that nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	proxyAddr := startTestProxy(t, testConfig(config.ModeStandard))
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ErrCodeDialFailed)
}

func TestResolveDestination(t *testing.T) {
	t.Run("absolute form", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://youtube.com/watch?v=abc", http.NoBody)
		target, err := resolveDestination(req)
		require.NoError(t, err)
		assert.Equal(t, "http://youtube.com/watch?v=abc", target.String())
	})

	t.Run("embedded URL in path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/https://youtube.com/watch", http.NoBody)
		req.Host = "proxy.local:3000"
		target, err := resolveDestination(req)
		require.NoError(t, err)
		assert.Equal(t, "https://youtube.com/watch", target.String())
		assert.Equal(t, "youtube.com", target.Hostname())
	})

	t.Run("embedded URL keeps query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/https://youtube.com/watch?v=abc", http.NoBody)
		req.Host = "proxy.local:3000"
		target, err := resolveDestination(req)
		require.NoError(t, err)
		assert.Equal(t, "abc", target.Query().Get("v"))
	})

	t.Run("origin form resolves against Host", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/index.html", http.NoBody)
		req.Host = "youtube.com"
		target, err := resolveDestination(req)
		require.NoError(t, err)
		assert.Equal(t, "http://youtube.com/index.html", target.String())
	})

	t.Run("no destination at all", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/index.html", http.NoBody)
		req.Host = ""
		_, err := resolveDestination(req)
		require.Error(t, err)

		proxyErr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, ErrCodeMalformedDestination, proxyErr.Code)
	})
}

func TestHttpThenConnectRequest(t *testing.T) {
	httpContent := "Hello, HTTP Proxy!"
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(httpContent))
	}))
	defer httpServer.Close()

	proxyAddr := startTestProxy(t, testConfig(config.ModeStandard))
	client := proxyClient(t, proxyAddr)

	// Plain HTTP forward first
	resp, err := client.Get(httpServer.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, httpContent, string(body))

	// Then a CONNECT tunnel on the same proxy
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	defer conn.Close()

	backendURL, err := url.Parse(httpServer.URL)
	require.NoError(t, err)

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", backendURL.Host, backendURL.Host)
	require.NoError(t, err)

	response := readUntilDoubleCRLF(t, conn)
	assert.Contains(t, response, "HTTP/1.1 200 Connection Established")
}
