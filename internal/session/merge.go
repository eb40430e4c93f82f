package session

import "machines/internal/controlplane"

// MergeServices folds incoming discoveries into the existing list. Entries
// are keyed by name and port: a rediscovered service refreshes its state and
// version in place, a new one is appended, and nothing is ever dropped.
func MergeServices(existing, incoming []controlplane.ServiceInfo) []controlplane.ServiceInfo {
	if len(incoming) == 0 {
		return existing
	}

	merged := append([]controlplane.ServiceInfo(nil), existing...)
	for _, in := range incoming {
		replaced := false
		for i, cur := range merged {
			if cur.Name == in.Name && cur.Port == in.Port {
				merged[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, in)
		}
	}
	return merged
}

// MergeVulnerabilities folds incoming discoveries into the existing list,
// keyed by vulnerability name.
func MergeVulnerabilities(existing, incoming []controlplane.VulnerabilityInfo) []controlplane.VulnerabilityInfo {
	if len(incoming) == 0 {
		return existing
	}

	merged := append([]controlplane.VulnerabilityInfo(nil), existing...)
	for _, in := range incoming {
		replaced := false
		for i, cur := range merged {
			if cur.Name == in.Name {
				merged[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, in)
		}
	}
	return merged
}

// MergeLease overlays the non-zero fields of patch onto current.
func MergeLease(current, patch LeaseInfo) LeaseInfo {
	if patch.Address != "" {
		current.Address = patch.Address
	}
	if patch.SSHPort != 0 {
		current.SSHPort = patch.SSHPort
	}
	if patch.Username != "" {
		current.Username = patch.Username
	}
	if patch.Password != "" {
		current.Password = patch.Password
	}
	if patch.SSHCommand != "" {
		current.SSHCommand = patch.SSHCommand
	}
	if patch.VPNAvailable {
		current.VPNAvailable = true
	}
	if patch.VPNConfig != "" {
		current.VPNConfig = patch.VPNConfig
	}
	return current
}

// ApplyPatch merges a DetailsPatch into the session in memory. The store
// calls this inside its transaction; terminal status is never overwritten by
// a merge.
func (s *Session) ApplyPatch(patch DetailsPatch) {
	if patch.Status != nil && !s.Status.Terminal() {
		s.Status = *patch.Status
	}
	if patch.Lease != nil {
		s.Lease = MergeLease(s.Lease, *patch.Lease)
	}
	s.Diagnostics.Services = MergeServices(s.Diagnostics.Services, patch.Services)
	s.Diagnostics.Vulnerabilities = MergeVulnerabilities(s.Diagnostics.Vulnerabilities, patch.Vulnerabilities)
}
