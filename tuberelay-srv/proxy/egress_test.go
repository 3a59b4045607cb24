package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/tuberelay/tuberelay-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectEgress(t *testing.T) {
	socks := &config.EgressSocks5{Suffixes: []string{"googlevideo.com"}, Address: "127.0.0.1:1080"}
	direct4 := &config.EgressDefaultNetwork{Suffixes: []string{"youtube.com"}, ForceIPv4: true}
	catchAll := &config.EgressProxy{Address: "127.0.0.1:8080"}

	p := &Proxy{config: &config.Config{
		Egress: []config.Egress{socks, direct4, catchAll},
	}}

	assert.Equal(t, config.Egress(socks), p.selectEgress("rr1.googlevideo.com"))
	assert.Equal(t, config.Egress(direct4), p.selectEgress("www.youtube.com"))
	// First match wins; the catch-all swallows everything else
	assert.Equal(t, config.Egress(catchAll), p.selectEgress("example.com"))

	pNoCatchAll := &Proxy{config: &config.Config{
		Egress: []config.Egress{socks, direct4},
	}}
	assert.Nil(t, pNoCatchAll.selectEgress("example.com"))
}

func TestEgressViaSocks5(t *testing.T) {
	socksServer, err := go_socks5.New(&go_socks5.Config{})
	require.NoError(t, err, "Failed to create go-socks5 server")

	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksLn.Close()
	go func() { _ = socksServer.Serve(socksLn) }()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("from-backend"))
	}))
	defer backend.Close()

	cfg := testConfig(config.ModeStandard)
	cfg.Egress = []config.Egress{
		&config.EgressSocks5{
			Suffixes: []string{"127.0.0.1"},
			Address:  socksLn.Addr().String(),
		},
	}

	proxyAddr := startTestProxy(t, cfg)
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(backend.URL)
	require.NoError(t, err, "Request via proxy and go-socks5 failed")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "from-backend", string(body))
}

func TestEgressViaUpstreamHTTPProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("behind-upstream"))
	}))
	defer backend.Close()

	// Minimal CONNECT-only upstream proxy
	var upstreamHits int64
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()
	go func() {
		for {
			conn, acceptErr := upstreamLn.Accept()
			if acceptErr != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req := readUntilDoubleCRLF(t, conn)
				if !strings.HasPrefix(req, "CONNECT ") {
					return
				}
				atomic.AddInt64(&upstreamHits, 1)
				target := strings.Fields(req)[1]
				targetConn, dialErr := net.Dial("tcp", target)
				if dialErr != nil {
					_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
					return
				}
				defer targetConn.Close()
				_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
				go func() { _, _ = io.Copy(targetConn, conn) }()
				_, _ = io.Copy(conn, targetConn)
			}(conn)
		}
	}()

	cfg := testConfig(config.ModeStandard)
	cfg.Egress = []config.Egress{
		&config.EgressProxy{
			Suffixes: []string{"127.0.0.1"},
			Address:  upstreamLn.Addr().String(),
		},
	}

	proxyAddr := startTestProxy(t, cfg)
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(backend.URL)
	require.NoError(t, err, "Request via upstream HTTP proxy failed")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "behind-upstream", string(body))
	assert.Equal(t, int64(1), atomic.LoadInt64(&upstreamHits), "upstream proxy was not used")
}

func TestEgressSocks5WithAuth(t *testing.T) {
	creds := go_socks5.StaticCredentials{"tubeuser": "tubepass"}
	socksServer, err := go_socks5.New(&go_socks5.Config{
		AuthMethods: []go_socks5.Authenticator{go_socks5.UserPassAuthenticator{Credentials: creds}},
	})
	require.NoError(t, err)

	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksLn.Close()
	go func() { _ = socksServer.Serve(socksLn) }()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("authed"))
	}))
	defer backend.Close()

	username := "tubeuser"
	password := "tubepass"
	cfg := testConfig(config.ModeStandard)
	cfg.Egress = []config.Egress{
		&config.EgressSocks5{
			Suffixes: []string{"127.0.0.1"},
			Address:  socksLn.Addr().String(),
			Username: &username,
			Password: &password,
		},
	}

	proxyAddr := startTestProxy(t, cfg)
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(backend.URL)
	require.NoError(t, err, "Authenticated SOCKS5 request failed")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "authed", string(body))
}

func TestEgressSuffixRouting(t *testing.T) {
	// Backend reachable directly; SOCKS5 rule scoped to a host that is
	// never requested, so the request must go direct.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("direct"))
	}))
	defer backend.Close()

	cfg := testConfig(config.ModeStandard)
	cfg.Egress = []config.Egress{
		&config.EgressSocks5{
			Suffixes: []string{"never-matches.example"},
			Address:  "127.0.0.1:1", // Unreachable on purpose
		},
	}

	proxyAddr := startTestProxy(t, cfg)
	client := proxyClient(t, proxyAddr)

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(body))
}

func TestConnectThroughSocks5Egress(t *testing.T) {
	socksServer, err := go_socks5.New(&go_socks5.Config{})
	require.NoError(t, err)

	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksLn.Close()
	go func() { _ = socksServer.Serve(socksLn) }()

	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()
	go func() {
		for {
			c, acceptErr := backend.Accept()
			if acceptErr != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}(c)
		}
	}()

	cfg := testConfig(config.ModeStandard)
	cfg.Egress = []config.Egress{
		&config.EgressSocks5{
			Suffixes: []string{"127.0.0.1"},
			Address:  socksLn.Addr().String(),
		},
	}

	proxyAddr := startTestProxy(t, cfg)

	conn, response := rawConnect(t, proxyAddr, backend.Addr().String())
	require.Contains(t, response, "200 Connection Established")

	payload := []byte("tunnel-via-socks5")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
}
