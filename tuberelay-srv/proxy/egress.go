package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/tuberelay/tuberelay-srv/config"
	"github.com/codefionn/tuberelay/tuberelay-srv/logger"
	"golang.org/x/net/proxy"
)

// selectEgress picks the first egress rule whose host suffix list matches
// the destination host. A rule with no suffixes matches every host. Nil
// means no rule matched and the default network is used.
func (p *Proxy) selectEgress(host string) config.Egress {
	for i, eg := range p.config.Egress {
		suffixes := eg.HostSuffixes()
		if len(suffixes) == 0 {
			logger.Debug("Egress[%d] %T matches %s (catch-all)", i, eg, host)
			return eg
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(host, suffix) {
				logger.Debug("Egress[%d] %T matches %s via suffix %s", i, eg, host, suffix)
				return eg
			}
		}
	}
	return nil
}

// dialEgress establishes a TCP connection to addr, routed through the
// matching egress rule (SOCKS5 or upstream HTTP proxy) when one applies.
// The returned connection is wrapped for byte accounting; on error the
// stats record is closed out here.
func (p *Proxy) dialEgress(ctx context.Context, addr, protocol string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port format: %w", err)
	}

	clientIP := ""
	if ip, ok := ClientIPFromContext(ctx); ok {
		clientIP = ip
	}

	connectionID, startErr := p.collector.StartConnection(ctx, clientIP, host, port, protocol)
	if startErr != nil {
		logger.Error("Failed to start connection tracking: %v", startErr)
	}

	var connErr error
	defer func() {
		if connErr != nil {
			_ = p.collector.RecordError(ctx, connectionID, "connection", connErr.Error())
			_ = p.collector.EndConnection(ctx, connectionID, 0, 0, 0, connErr.Error())
		}
	}()

	selected := p.selectEgress(host)

	dialer := &net.Dialer{
		Timeout: time.Duration(p.config.TimeoutSeconds) * time.Second,
	}

	var forceIPv4 bool
	switch eg := selected.(type) {
	case *config.EgressDefaultNetwork:
		forceIPv4 = eg.ForceIPv4
	case *config.EgressSocks5:
		forceIPv4 = eg.ForceIPv4
	case *config.EgressProxy:
		forceIPv4 = eg.ForceIPv4
	}
	if forceIPv4 {
		// Disable the IPv6 happy-eyeballs fallback entirely
		dialer.FallbackDelay = -1
	}

	network := "tcp"
	if forceIPv4 {
		network = "tcp4"
	}

	var targetConn net.Conn
	switch eg := selected.(type) {
	case nil, *config.EgressDefaultNetwork:
		targetConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			err = NewConnectionError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), fmt.Errorf("dial to %s: %w", addr, err))
		}
	case *config.EgressSocks5:
		logger.Debug("Using SOCKS5 egress (%s) for %s", eg.Address, addr)
		targetConn, err = dialSocks5(ctx, dialer, eg, network, addr)
	case *config.EgressProxy:
		logger.Debug("Using upstream proxy egress (%s) for %s", eg.Address, addr)
		targetConn, err = dialHTTPProxy(ctx, dialer, eg, network, addr)
	default:
		err = NewInternalError(ErrCodeInternalError, fmt.Sprintf("unknown egress type %T for %s", selected, addr), nil)
	}

	if err != nil {
		connErr = err
		logger.Error("Failed to establish connection to %s (via %T): %v", addr, selected, err)
		return nil, err
	}

	logger.Debug("Established connection to %s (via %T)", addr, selected)
	return newTrackedConn(ctx, targetConn, p.collector, connectionID), nil
}

// dialSocks5 connects to the target through a SOCKS5 server.
func dialSocks5(ctx context.Context, dialer *net.Dialer, eg *config.EgressSocks5, network, targetHostPort string) (net.Conn, error) {
	var auth *proxy.Auth
	if eg.Username != nil && eg.Password != nil {
		auth = &proxy.Auth{User: *eg.Username, Password: *eg.Password}
	} else if eg.Username != nil {
		auth = &proxy.Auth{User: *eg.Username}
	}

	socksDialer, err := proxy.SOCKS5(network, eg.Address, auth, dialer)
	if err != nil {
		return nil, NewEgressError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed), fmt.Errorf("proxy %s: %w", eg.Address, err))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		type contextDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}

		var conn net.Conn
		var dialErr error
		if ctxDialer, ok := socksDialer.(contextDialer); ok {
			conn, dialErr = ctxDialer.DialContext(ctx, network, targetHostPort)
		} else {
			conn, dialErr = socksDialer.Dial(network, targetHostPort)
		}
		resultChan <- result{conn: conn, err: dialErr}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewEgressError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, eg.Address, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		return nil, NewEgressError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed), fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, eg.Address, ctx.Err()))
	}
}

// dialHTTPProxy connects to the target through an upstream HTTP proxy
// using a CONNECT request.
func dialHTTPProxy(ctx context.Context, dialer *net.Dialer, eg *config.EgressProxy, network, targetHostPort string) (net.Conn, error) {
	proxyConn, err := dialer.DialContext(ctx, network, eg.Address)
	if err != nil {
		return nil, NewEgressError(ErrCodeHTTPProxyDialFailed, GetErrorDescription(ErrCodeHTTPProxyDialFailed), fmt.Errorf("proxy server %s: %w", eg.Address, err))
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewEgressError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if eg.Username != nil && eg.Password != nil {
		credentials := *eg.Username + ":" + *eg.Password
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+encoded)
	} else if eg.Username != nil {
		logger.Warn("Proxy username provided without password for %s", eg.Address)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewEgressError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed), fmt.Errorf("sending to proxy %s: %w", eg.Address, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, NewEgressError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed), fmt.Errorf("reading from proxy %s: %w", eg.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		errMsg := fmt.Sprintf("proxy %s denied CONNECT to %s with status %s. Body: %s", eg.Address, targetHostPort, connectResp.Status, string(bodyBytes))
		logger.Error("%s", errMsg)
		return nil, NewEgressError(ErrCodeUpstreamProxyDenied, GetErrorDescription(ErrCodeUpstreamProxyDenied), fmt.Errorf("%s", errMsg))
	}

	// http.ReadResponse consumes only the status line and headers for a
	// successful CONNECT, so proxyConn is ready for raw tunneling.
	logger.Debug("CONNECT tunnel established via proxy %s to %s", eg.Address, targetHostPort)
	return proxyConn, nil
}
