// Package sources decides which source hosts and providers a plan may use.
package sources

import (
	"strings"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Policy applies the operator deny list and per-plan provider allow lists.
type Policy struct {
	denied []string
}

// New creates a Policy denying the given hosts and their subdomains.
func New(deniedHosts []string) *Policy {
	p := &Policy{}
	for _, h := range deniedHosts {
		if h = normalize(h); h != "" {
			p.denied = append(p.denied, h)
		}
	}
	return p
}

// AllowHost reports whether downloads from host are permitted.
func (p *Policy) AllowHost(host string) bool {
	host = normalize(host)
	if host == "" {
		return false
	}
	for _, d := range p.denied {
		if host == d || strings.HasSuffix(host, "."+d) {
			return false
		}
	}
	return true
}

// AllowProvider reports whether plan may use providerID. An empty allow list
// permits every provider.
func (p *Policy) AllowProvider(plan batch.Plan, providerID string) bool {
	if len(plan.AllowedSources) == 0 {
		return true
	}
	for _, s := range plan.AllowedSources {
		if strings.EqualFold(strings.TrimSpace(s), providerID) {
			return true
		}
	}
	return false
}

func normalize(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
