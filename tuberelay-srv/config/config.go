package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/tuberelay/tuberelay-srv/logger"
)

// ProxyMode selects how a server answers non-CONNECT requests
type ProxyMode string

// Available proxy modes
const (
	ModeStandard ProxyMode = "standard" // Forward requests upstream, tunnel CONNECT
	ModeRedirect ProxyMode = "redirect" // Answer with a 302 to the authorized destination
	ModeBuffered ProxyMode = "buffered" // Forward, but buffer the upstream body before answering
)

// ServerConfig defines configuration for a single proxy server instance
type ServerConfig struct {
	Mode                 ProxyMode // Behavior for non-CONNECT requests
	ListenAddress        string    // Address to listen on (e.g., 127.0.0.1:3000)
	Enabled              bool      // Whether this server is enabled
	MaxConnections       int       // Maximum connections for this server instance
	ConnectionsPerClient int       // Maximum connections per client IP
}

// IdentityConfig holds the browser identity presented to allowed upstreams.
// Referer and Origin are always written onto outbound requests; the other
// fields only fill in when the client did not send a value of its own.
type IdentityConfig struct {
	UserAgent      string `json:"user-agent" hcl:"user-agent,optional"`
	Referer        string `json:"referer" hcl:"referer,optional"`
	Origin         string `json:"origin" hcl:"origin,optional"`
	AcceptLanguage string `json:"accept-language" hcl:"accept-language,optional"`
	ProxyAgent     string `json:"proxy-agent" hcl:"proxy-agent,optional"`
}

// DefaultIdentityConfig returns the stock browser identity
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Referer:        "https://www.youtube.com/",
		Origin:         "https://www.youtube.com",
		AcceptLanguage: "en-US,en;q=0.9",
		ProxyAgent:     "tuberelay",
	}
}

// AllowlistConfig describes the permitted destination hosts. Domains are
// matched as hostname suffixes; DomainsFiles point at hosts-style files
// with one or more domains per line.
type AllowlistConfig struct {
	Domains      []string `json:"domains" hcl:"domains,optional"`
	DomainsFiles []string `json:"domains-files" hcl:"domains-files,optional"`
}

// StatsConfig controls the in-memory statistics collector
type StatsConfig struct {
	Enabled bool `json:"enabled" hcl:"enabled,optional"`
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of proxy server configurations
	TimeoutSeconds           int            // Global timeout for all connections
	MaxConcurrentConnections int            // Global max concurrent connections
	Allowlist                AllowlistConfig
	Identity                 IdentityConfig
	Egress                   []Egress // Ordered egress rules, first match wins
	Statistics               StatsConfig
}

// EgressType defines the type of egress rule.
type EgressType int

const (
	// EgressTypeDefaultNetwork dials the destination directly.
	EgressTypeDefaultNetwork EgressType = iota
	// EgressTypeSocks5 dials through an upstream SOCKS5 proxy.
	EgressTypeSocks5
	// EgressTypeProxy dials through an upstream HTTP proxy using CONNECT.
	EgressTypeProxy
)

// Egress defines the interface for egress rule configurations.
type Egress interface {
	Type() EgressType
	HostSuffixes() []string
}

// EgressDefaultNetwork dials matching destinations on the default network.
type EgressDefaultNetwork struct {
	Suffixes  []string
	ForceIPv4 bool
}

// Type returns the egress type for this rule.
func (e *EgressDefaultNetwork) Type() EgressType { return EgressTypeDefaultNetwork }

// HostSuffixes returns the host suffixes this rule applies to.
func (e *EgressDefaultNetwork) HostSuffixes() []string { return e.Suffixes }

// EgressSocks5 dials matching destinations through a SOCKS5 proxy.
type EgressSocks5 struct {
	Suffixes  []string
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

// Type returns the egress type for this rule.
func (e *EgressSocks5) Type() EgressType { return EgressTypeSocks5 }

// HostSuffixes returns the host suffixes this rule applies to.
func (e *EgressSocks5) HostSuffixes() []string { return e.Suffixes }

// EgressProxy dials matching destinations through an upstream HTTP proxy.
type EgressProxy struct {
	Suffixes  []string
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

// Type returns the egress type for this rule.
func (e *EgressProxy) Type() EgressType { return EgressTypeProxy }

// HostSuffixes returns the host suffixes this rule applies to.
func (e *EgressProxy) HostSuffixes() []string { return e.Suffixes }

// LoadConfig loads configuration from the specified file path.
// Supported formats are JSON (.json) and HCL (.hcl). An empty path
// yields the defaults plus environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Servers: []ServerConfig{
			{
				Mode:                 ModeStandard,
				ListenAddress:        "127.0.0.1:3000",
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		Identity:                 DefaultIdentityConfig(),
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateConfig(cfg *Config) error {
	for i, domain := range cfg.Allowlist.Domains {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("allowlist domain at index %d is empty", i)
		}
	}
	for _, server := range cfg.Servers {
		switch server.Mode {
		case ModeStandard, ModeRedirect, ModeBuffered:
		default:
			return fmt.Errorf("invalid proxy mode: %s", server.Mode)
		}
	}
	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps a decoded configuration document onto cfg. Both the
// JSON and HCL loaders funnel through here so the two formats stay in sync.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{
				Mode:                 ModeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}

			if modeVal, exists := serverMap["mode"]; exists {
				ptr, err := parseValue[string](modeVal)
				if err != nil {
					return fmt.Errorf("server mode at index %d must be a string: %w", i, err)
				}
				server.Mode = ProxyMode(*ptr)
			}

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}

			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}

			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			if clientConnsVal, exists := serverMap["connections-per-client"]; exists {
				ptr, err := parseValue[int](clientConnsVal)
				if err != nil {
					return fmt.Errorf("connections-per-client at index %d must be an integer: %w", i, err)
				}
				server.ConnectionsPerClient = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// For backward compatibility: if listen-address is specified but no servers,
	// create a standard server with that address
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) == 0 {
		ptr, err := parseValue[string](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("listen-address must be a string")
		}
		cfg.Servers = []ServerConfig{
			{
				Mode:                 ModeStandard,
				ListenAddress:        *ptr,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("max-concurrent-connections must be a number")
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if val, exists := data["allowlist"]; exists {
		allowMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("allowlist must be an object")
		}
		if domains, ok := allowMap["domains"].([]any); ok {
			cfg.Allowlist.Domains = nil
			for i, d := range domains {
				ptr, err := parseValue[string](d)
				if err != nil {
					return fmt.Errorf("allowlist domain at index %d must be a string: %w", i, err)
				}
				cfg.Allowlist.Domains = append(cfg.Allowlist.Domains, *ptr)
			}
		}
		if files, ok := allowMap["domains-files"].([]any); ok {
			cfg.Allowlist.DomainsFiles = nil
			for i, f := range files {
				ptr, err := parseValue[string](f)
				if err != nil {
					return fmt.Errorf("allowlist domains-file at index %d must be a string: %w", i, err)
				}
				cfg.Allowlist.DomainsFiles = append(cfg.Allowlist.DomainsFiles, *ptr)
			}
		}
	}

	if val, exists := data["identity"]; exists {
		idMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("identity must be an object")
		}
		fields := map[string]*string{
			"user-agent":      &cfg.Identity.UserAgent,
			"referer":         &cfg.Identity.Referer,
			"origin":          &cfg.Identity.Origin,
			"accept-language": &cfg.Identity.AcceptLanguage,
			"proxy-agent":     &cfg.Identity.ProxyAgent,
		}
		for key, dst := range fields {
			if raw, exists := idMap[key]; exists {
				ptr, err := parseValue[string](raw)
				if err != nil {
					return fmt.Errorf("identity %s must be a string: %w", key, err)
				}
				*dst = *ptr
			}
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if raw, exists := statsMap["enabled"]; exists {
			ptr, err := parseValue[bool](raw)
			if err != nil {
				return fmt.Errorf("statistics enabled must be a boolean: %w", err)
			}
			cfg.Statistics.Enabled = *ptr
		}
	}

	if egress, ok := data["egress"].([]any); ok && egress != nil {
		cfg.Egress = nil

		for _, rule := range egress {
			ruleMap, ok := rule.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid egress rule format")
			}

			egressType, ok := ruleMap["type"].(string)
			if !ok {
				return fmt.Errorf("missing egress rule type")
			}

			var suffixes []string
			if raw, ok := ruleMap["domains"].([]any); ok {
				for i, d := range raw {
					ptr, err := parseValue[string](d)
					if err != nil {
						return fmt.Errorf("egress domain at index %d must be a string: %w", i, err)
					}
					suffixes = append(suffixes, *ptr)
				}
			}

			var newRule Egress

			switch egressType {
			case "default-network":
				networkRule := &EgressDefaultNetwork{Suffixes: suffixes}
				if forceIPv4, err := parseValue[bool](ruleMap["force-ipv4"]); err == nil {
					networkRule.ForceIPv4 = *forceIPv4
				}
				newRule = networkRule

			case "socks5":
				socks5Rule := &EgressSocks5{Suffixes: suffixes}
				if address, err := parseValue[string](ruleMap["address"]); err == nil {
					socks5Rule.Address = *address
				} else {
					return fmt.Errorf("socks5 egress rule requires address field")
				}
				if username, err := parseValue[string](ruleMap["username"]); err == nil {
					socks5Rule.Username = username
				}
				if password, err := parseValue[string](ruleMap["password"]); err == nil {
					socks5Rule.Password = password
				}
				if forceIPv4, err := parseValue[bool](ruleMap["force-ipv4"]); err == nil {
					socks5Rule.ForceIPv4 = *forceIPv4
				}
				newRule = socks5Rule

			case "proxy":
				proxyRule := &EgressProxy{Suffixes: suffixes}
				if address, err := parseValue[string](ruleMap["address"]); err == nil {
					proxyRule.Address = *address
				} else {
					return fmt.Errorf("proxy egress rule requires address field")
				}
				if username, err := parseValue[string](ruleMap["username"]); err == nil {
					proxyRule.Username = username
				}
				if password, err := parseValue[string](ruleMap["password"]); err == nil {
					proxyRule.Password = password
				}
				if forceIPv4, err := parseValue[bool](ruleMap["force-ipv4"]); err == nil {
					proxyRule.ForceIPv4 = *forceIPv4
				}
				newRule = proxyRule

			default:
				return fmt.Errorf("unsupported egress rule type: %s", egressType)
			}

			cfg.Egress = append(cfg.Egress, newRule)
		}
	}

	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case int:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got int", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("TUBERELAY_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for TUBERELAY_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("TUBERELAY_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for TUBERELAY_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	// Comma-separated domain suffixes, e.g. "youtube.com,.googlevideo.com"
	if domains := os.Getenv("TUBERELAY_ALLOWED_DOMAINS"); domains != "" {
		cfg.Allowlist.Domains = nil
		for _, domain := range strings.Split(domains, ",") {
			domain = strings.TrimSpace(domain)
			if domain != "" {
				cfg.Allowlist.Domains = append(cfg.Allowlist.Domains, domain)
			}
		}
	}

	if ua := os.Getenv("TUBERELAY_USERAGENT"); ua != "" {
		cfg.Identity.UserAgent = ua
	}

	if statsEnabled := os.Getenv("TUBERELAY_STATS"); statsEnabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(statsEnabled, "true") || statsEnabled == "1"
	}

	// PORT keeps compatibility with platform-style deployments; it rewrites
	// the first server's port only.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil && len(cfg.Servers) > 0 {
			host, _, err := splitListenAddress(cfg.Servers[0].ListenAddress)
			if err == nil {
				cfg.Servers[0].ListenAddress = host + ":" + port
			}
		} else if len(cfg.Servers) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for PORT: %s\n", port)
		}
	}

	if addr := os.Getenv("TUBERELAY_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{
				{
					Mode:                 ModeStandard,
					ListenAddress:        addr,
					Enabled:              true,
					MaxConnections:       100,
					ConnectionsPerClient: 10,
				},
			}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Server-specific environment variables.
	// Example: TUBERELAY_SERVER_0_LISTENADDRESS=127.0.0.1:3000
	// Example: TUBERELAY_SERVER_0_MODE=redirect
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("TUBERELAY_SERVER_%d_", i)
		addrVar := prefix + "LISTENADDRESS"
		modeVar := prefix + "MODE"
		enabledVar := prefix + "ENABLED"

		addr := os.Getenv(addrVar)
		if addr == "" {
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = ServerConfig{
				Mode:                 ModeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}
		}

		server.ListenAddress = addr

		if modeStr := os.Getenv(modeVar); modeStr != "" {
			server.Mode = ProxyMode(modeStr)
		}

		if enabledStr := os.Getenv(enabledVar); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", enabledVar, enabledStr)
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}

// splitListenAddress splits host:port, tolerating a bare ":port" form.
func splitListenAddress(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("listen address %q has no port", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}
