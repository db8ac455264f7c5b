package correlation

import (
	"sort"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// EstimateBlastRadius derives scope, affected services and resources, and
// impact from the detections alone. Only resources named by the detections are
// counted.
func EstimateBlastRadius(detections []domain.DetectionResult) domain.BlastRadius {
	services := make(map[string]struct{})
	resources := make(map[domain.ResourceRef]struct{})
	highest := domain.Severity("")

	for _, d := range detections {
		if d.Service != "" {
			services[d.Service] = struct{}{}
		}
		for _, r := range d.Resources {
			resources[r] = struct{}{}
		}
		if highest == "" || d.Severity.MoreSevereThan(highest) {
			highest = d.Severity
		}
	}

	radius := domain.BlastRadius{
		AffectedServices:  make([]string, 0, len(services)),
		AffectedResources: make([]domain.ResourceRef, 0, len(resources)),
	}
	for s := range services {
		radius.AffectedServices = append(radius.AffectedServices, s)
	}
	sort.Strings(radius.AffectedServices)

	for r := range resources {
		radius.AffectedResources = append(radius.AffectedResources, r)
	}
	sort.Slice(radius.AffectedResources, func(i, j int) bool {
		a, b := radius.AffectedResources[i], radius.AffectedResources[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})

	switch {
	case len(radius.AffectedServices) > 1:
		radius.Scope = domain.ScopeMultiService
	case len(radius.AffectedResources) == 1:
		radius.Scope = domain.ScopeSingleResource
	default:
		radius.Scope = domain.ScopeService
	}

	radius.ImpactLevel = impactLevel(highest, radius.Scope)
	return radius
}

// impactLevel maps the most severe detection onto an impact level. Reaching
// more than one service raises it one step.
func impactLevel(highest domain.Severity, scope domain.BlastScope) domain.ImpactLevel {
	levels := []domain.ImpactLevel{domain.ImpactLow, domain.ImpactMedium, domain.ImpactHigh, domain.ImpactCritical}

	var idx int
	switch highest {
	case domain.SeverityCritical:
		idx = 3
	case domain.SeverityHigh:
		idx = 2
	case domain.SeverityMedium:
		idx = 1
	default:
		idx = 0
	}
	if scope == domain.ScopeMultiService && idx < len(levels)-1 {
		idx++
	}
	return levels[idx]
}
