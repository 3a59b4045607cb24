package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/tuberelay/tuberelay-srv/logger"
)

// CheckResult is the outcome of a single check against the relay.
type CheckResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// CheckSuite runs allow/block checks against a running relay instance.
type CheckSuite struct {
	ProxyURL string
	Client   *http.Client
	Results  []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:3000", "Relay address (host:port)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid relay address: %v", err)
	}

	suite := &CheckSuite{
		ProxyURL: proxyURL.String(),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("Checking relay at %s", suite.ProxyURL)

	logger.Info("Running allowlisted host checks...")
	suite.runAllowedChecks()

	logger.Info("Running blocked host checks...")
	suite.runBlockedChecks()

	suite.printResults()
}

// runAllowedChecks verifies that the default video hosts pass through the
// relay. These require the relay's allowlist to cover the YouTube domains
// and working outbound connectivity.
func (cs *CheckSuite) runAllowedChecks() {
	checks := []struct {
		name string
		url  string
	}{
		{"youtube-homepage", "https://www.youtube.com/"},
		{"youtube-thumbnail", "https://i.ytimg.com/vi/dQw4w9WgXcQ/default.jpg"},
		{"youtube-static", "https://www.youtube.com/favicon.ico"},
	}

	for _, check := range checks {
		logger.Debug("Running check: %s", check.name)
		result := cs.checkAllowed(check.url)
		result.Name = check.name
		result.URL = check.url
		cs.Results = append(cs.Results, result)
	}
}

// runBlockedChecks verifies that hosts outside the allowlist are refused.
// A relay that lets these through is misconfigured.
func (cs *CheckSuite) runBlockedChecks() {
	checks := []struct {
		name string
		url  string
	}{
		{"block-plain-http", "http://example.com/"},
		{"block-https-tunnel", "https://example.com/"},
		{"block-search-engine", "https://www.google.com/"},
	}

	for _, check := range checks {
		logger.Debug("Running check: %s", check.name)
		result := cs.checkBlocked(check.url)
		result.Name = check.name
		result.URL = check.url
		cs.Results = append(cs.Results, result)
	}
}

func (cs *CheckSuite) checkAllowed(checkURL string) CheckResult {
	start := time.Now()

	req, err := http.NewRequest("GET", checkURL, nil)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: time.Since(start),
			Error:    fmt.Sprintf("Failed to create request: %v", err),
		}
	}

	resp, err := cs.Client.Do(req)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Request failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CheckResult{
			Success:  false,
			Duration: duration,
			Status:   resp.StatusCode,
			Error:    fmt.Sprintf("Failed to read response: %v", err),
		}
	}

	logger.Debug("Response for %s: %d bytes, status %d", checkURL, len(body), resp.StatusCode)

	return CheckResult{
		Success:  resp.StatusCode < 400,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (cs *CheckSuite) checkBlocked(checkURL string) CheckResult {
	start := time.Now()

	resp, err := cs.Client.Get(checkURL)
	duration := time.Since(start)

	if err != nil {
		// HTTPS targets surface the refused CONNECT as a transport error.
		if strings.Contains(err.Error(), "Forbidden") {
			return CheckResult{Success: true, Duration: duration}
		}
		return CheckResult{
			Success:  false,
			Duration: duration,
			Error:    fmt.Sprintf("Request failed: %v", err),
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Debug("Error draining response body: %v", err)
	}

	return CheckResult{
		Success:  resp.StatusCode == http.StatusForbidden,
		Duration: duration,
		Status:   resp.StatusCode,
	}
}

func (cs *CheckSuite) printResults() {
	fmt.Printf("\n=== Relay Check Results ===\n")
	fmt.Printf("Relay: %s\n\n", cs.ProxyURL)

	passed := 0
	failed := 0

	for _, result := range cs.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-22s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                       Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total checks: %d\n", len(cs.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome checks failed. Verify the allowlist and outbound connectivity.\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll checks passed.\n")
}
