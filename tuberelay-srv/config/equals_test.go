package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func baseTestConfig() *Config {
	return &Config{
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
		Allowlist: AllowlistConfig{
			Domains: []string{"youtube.com", ".googlevideo.com"},
		},
		Identity: DefaultIdentityConfig(),
		Egress: []Egress{
			&EgressSocks5{
				Suffixes: []string{"googlevideo.com"},
				Address:  "127.0.0.1:1080",
				Username: strPtr("user"),
				Password: strPtr("pass"),
			},
		},
	}
}

func TestHasChangedIdentical(t *testing.T) {
	a := baseTestConfig()
	b := baseTestConfig()
	assert.False(t, HasChanged(a, b))
}

func TestHasChangedNil(t *testing.T) {
	a := baseTestConfig()
	assert.True(t, HasChanged(a, nil))
	assert.True(t, HasChanged(nil, a))
	assert.False(t, HasChanged(nil, nil))
}

func TestHasChangedServers(t *testing.T) {
	t.Run("mode", func(t *testing.T) {
		b := baseTestConfig()
		b.Servers[0].Mode = ModeRedirect
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("listen address", func(t *testing.T) {
		b := baseTestConfig()
		b.Servers[0].ListenAddress = "127.0.0.1:3001"
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("added server", func(t *testing.T) {
		b := baseTestConfig()
		b.Servers = append(b.Servers, ServerConfig{
			Mode:          ModeBuffered,
			ListenAddress: "127.0.0.1:3002",
			Enabled:       true,
		})
		assert.True(t, HasChanged(baseTestConfig(), b))
	})
}

func TestHasChangedScalars(t *testing.T) {
	b := baseTestConfig()
	b.TimeoutSeconds = 60
	assert.True(t, HasChanged(baseTestConfig(), b))

	b = baseTestConfig()
	b.MaxConcurrentConnections = 200
	assert.True(t, HasChanged(baseTestConfig(), b))

	b = baseTestConfig()
	b.Statistics.Enabled = true
	assert.True(t, HasChanged(baseTestConfig(), b))
}

func TestHasChangedIdentity(t *testing.T) {
	b := baseTestConfig()
	b.Identity.UserAgent = "OtherAgent/1.0"
	assert.True(t, HasChanged(baseTestConfig(), b))
}

func TestHasChangedAllowlist(t *testing.T) {
	t.Run("domain changed", func(t *testing.T) {
		b := baseTestConfig()
		b.Allowlist.Domains[0] = "ytimg.com"
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("domain removed", func(t *testing.T) {
		b := baseTestConfig()
		b.Allowlist.Domains = b.Allowlist.Domains[:1]
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("domains file added", func(t *testing.T) {
		b := baseTestConfig()
		b.Allowlist.DomainsFiles = []string{"/etc/tuberelay/domains.txt"}
		assert.True(t, HasChanged(baseTestConfig(), b))
	})
}

func TestHasChangedEgress(t *testing.T) {
	t.Run("address", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress[0].(*EgressSocks5).Address = "127.0.0.1:1081"
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("password", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress[0].(*EgressSocks5).Password = strPtr("other")
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("username nil vs set", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress[0].(*EgressSocks5).Username = nil
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("force-ipv4", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress[0].(*EgressSocks5).ForceIPv4 = true
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("rule type", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress[0] = &EgressDefaultNetwork{Suffixes: []string{"googlevideo.com"}}
		assert.True(t, HasChanged(baseTestConfig(), b))
	})

	t.Run("rule removed", func(t *testing.T) {
		b := baseTestConfig()
		b.Egress = nil
		assert.True(t, HasChanged(baseTestConfig(), b))
	})
}

func TestHasChangedReloadRoundTrip(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"allowlist": {"domains": ["youtube.com"]},
		"timeout-seconds": 12
	}`)

	first, err := LoadConfig(path)
	require.NoError(t, err)
	second, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, HasChanged(first, second))
}
