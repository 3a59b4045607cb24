package config

// HasChanged returns true if the configuration has changed compared to
// another config. All fields are compared explicitly, without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}

	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i].Mode != b.Servers[i].Mode ||
			a.Servers[i].ListenAddress != b.Servers[i].ListenAddress ||
			a.Servers[i].Enabled != b.Servers[i].Enabled ||
			a.Servers[i].MaxConnections != b.Servers[i].MaxConnections ||
			a.Servers[i].ConnectionsPerClient != b.Servers[i].ConnectionsPerClient {
			return true
		}
	}

	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if a.Identity != b.Identity {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if !stringSliceEqual(a.Allowlist.Domains, b.Allowlist.Domains) {
		return true
	}
	if !stringSliceEqual(a.Allowlist.DomainsFiles, b.Allowlist.DomainsFiles) {
		return true
	}
	if !egressSliceEqual(a.Egress, b.Egress) {
		return true
	}
	return false
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func egressSliceEqual(a, b []Egress) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !egressEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func egressEqual(a, b Egress) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	if !stringSliceEqual(a.HostSuffixes(), b.HostSuffixes()) {
		return false
	}
	switch ta := a.(type) {
	case *EgressDefaultNetwork:
		tb, ok := b.(*EgressDefaultNetwork)
		return ok && ta.ForceIPv4 == tb.ForceIPv4
	case *EgressSocks5:
		tb, ok := b.(*EgressSocks5)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			ta.ForceIPv4 == tb.ForceIPv4
	case *EgressProxy:
		tb, ok := b.(*EgressProxy)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			ta.ForceIPv4 == tb.ForceIPv4
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
