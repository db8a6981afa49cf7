package listen

import (
	"bytes"
	"fmt"

	"miel/internal/config"
)

// servicePattern is the detection-relevant projection of a ServiceConfig,
// grounded on the source honeypot's ServicePattern/ServiceDetector.
type servicePattern struct {
	name           string
	port           int
	headerPatterns []string
	bannerPatterns []string
}

// Detector identifies which configured service a connection belongs to
// when several services share one bound port (config.ServiceConfig.SharedPort).
// It first tries the listener's own port, then falls back to sniffing the
// client's first bytes against configured header/banner substrings.
type Detector struct {
	byPort  map[int]servicePattern
	shared  []servicePattern
}

// NewDetector builds a Detector from every service sharing a port.
func NewDetector(services []config.ServiceConfig) *Detector {
	d := &Detector{byPort: make(map[int]servicePattern)}
	for _, svc := range services {
		p := servicePattern{
			name:           svc.Name,
			port:           svc.Port,
			headerPatterns: svc.HeaderPatterns,
			bannerPatterns: svc.BannerPatterns,
		}
		d.byPort[svc.Port] = p
		if svc.SharedPort {
			d.shared = append(d.shared, p)
		}
	}
	return d
}

// Identify returns the service name bound to port, or — for shared ports —
// sniffs the peeked prefix against configured patterns.
func (d *Detector) Identify(port int, peeked []byte) (string, error) {
	if p, ok := d.byPort[port]; ok && !containsSharedPort(d.shared, p.port) {
		return p.name, nil
	}

	for _, p := range d.shared {
		if p.port != port {
			continue
		}
		for _, pattern := range p.headerPatterns {
			if bytes.Contains(peeked, []byte(pattern)) {
				return p.name, nil
			}
		}
		for _, pattern := range p.bannerPatterns {
			if bytes.Contains(peeked, []byte(pattern)) {
				return p.name, nil
			}
		}
	}
	return "", fmt.Errorf("listen: could not identify service on port %d from %d peeked bytes", port, len(peeked))
}

func containsSharedPort(shared []servicePattern, port int) bool {
	for _, p := range shared {
		if p.port == port {
			return true
		}
	}
	return false
}
