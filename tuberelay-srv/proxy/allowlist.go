package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/tuberelay/tuberelay-srv/config"
	"github.com/codefionn/tuberelay/tuberelay-srv/logger"
)

// Allowlist decides whether a destination hostname may be contacted.
// It is built once at startup and never mutated afterwards.
//
// Literal entries use plain byte-wise suffix matching: "youtube.com"
// permits "sub.youtube.com" but also "evilyoutube.com". Operators who
// want a boundary write the entry with a leading dot (".googlevideo.com").
// Domains loaded from files always require the dot boundary, matching
// the hosts-file convention those lists come from.
type Allowlist struct {
	entries     []string
	trie        *ahocorasick.Trie
	fileDomains []string
}

// NewAllowlist compiles the configured domains and domain files.
func NewAllowlist(cfg config.AllowlistConfig) (*Allowlist, error) {
	a := &Allowlist{}

	for i, entry := range cfg.Domains {
		if entry == "" {
			return nil, NewAccessControlError(ErrCodeInvalidAllowlist,
				GetErrorDescription(ErrCodeInvalidAllowlist),
				fmt.Errorf("empty allowlist entry at index %d", i))
		}
		a.entries = append(a.entries, entry)
	}

	for _, filePath := range cfg.DomainsFiles {
		domains, err := loadDomainsFile(filePath)
		if err != nil {
			return nil, err
		}
		a.fileDomains = append(a.fileDomains, domains...)
	}

	if len(a.fileDomains) > 0 {
		a.trie = ahocorasick.NewTrieBuilder().AddStrings(a.fileDomains).Build()
		logger.Info("Compiled allowlist trie with %d domains from %d files", len(a.fileDomains), len(cfg.DomainsFiles))
	}

	return a, nil
}

// Allowed returns true iff host matches an allowlist entry. Matching is
// case-sensitive ASCII; no hostname normalization is performed.
func (a *Allowlist) Allowed(host string) bool {
	for _, entry := range a.entries {
		if strings.HasSuffix(host, entry) {
			return true
		}
	}

	if a.trie != nil {
		matches := a.trie.MatchString(host)
		for _, match := range matches {
			domain := a.fileDomains[match.Pattern()]

			if !strings.HasSuffix(host, domain) {
				continue
			}
			if len(host) == len(domain) {
				return true
			}
			// Subdomain match requires the dot boundary (host ends with ".domain")
			if host[len(host)-len(domain)-1] == '.' {
				return true
			}
		}
	}

	return false
}

// Empty reports whether the allowlist has no entries at all. An empty
// allowlist denies every destination.
func (a *Allowlist) Empty() bool {
	return len(a.entries) == 0 && len(a.fileDomains) == 0
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// loadDomainsFile reads a hosts-style domains file: comments with '#' or
// ';', multiple whitespace-separated domains per line, "0.0.0.0" sinkhole
// addresses skipped, and "*." wildcard prefixes normalized away.
func loadDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid domains file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domainList []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}

			// Wildcards reduce to their base domain; subdomains match anyway
			if strings.HasPrefix(domain, "*.") {
				domainList = append(domainList, domain[2:])
				continue
			}

			domainList = append(domainList, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	if len(domainList) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	}

	return domainList, nil
}
