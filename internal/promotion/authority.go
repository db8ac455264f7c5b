package promotion

import (
	"strings"
	"unicode/utf8"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// Bounds on an emergency override justification, in characters.
const (
	MinJustificationLength = 20
	MaxJustificationLength = 2048
)

// trustTable holds, per authority, the most severe SEV level it may promote.
// A lower level is more severe.
var trustTable = map[domain.AuthorityType]int{
	domain.AuthorityAutoEngine:        3,
	domain.AuthorityHumanOperator:     2,
	domain.AuthorityOnCallSRE:         1,
	domain.AuthorityEmergencyOverride: 1,
}

// ValidateAuthority checks the shape of an authority context.
//
// Only EMERGENCY_OVERRIDE carries a justification, and it must be between
// MinJustificationLength and MaxJustificationLength characters once trimmed.
// Any other authority is rejected when the field is present at all, even if
// it holds only whitespace.
func ValidateAuthority(a domain.AuthorityContext) error {
	if !a.Type.IsValid() {
		return domain.Validation("unknown authority type %q", a.Type)
	}
	if strings.TrimSpace(a.ID) == "" {
		return domain.Validation("authority id is required for %s", a.Type)
	}

	if a.Type != domain.AuthorityEmergencyOverride {
		if a.Justification != "" {
			return domain.NewError(domain.CodeInvalidJustification, "%s must not carry a justification", a.Type)
		}
		return nil
	}

	justification := strings.TrimSpace(a.Justification)
	if justification == "" {
		return domain.NewError(domain.CodeMissingJustification, "%s requires a justification", a.Type)
	}
	if n := utf8.RuneCountInString(justification); n < MinJustificationLength || n > MaxJustificationLength {
		return domain.NewError(domain.CodeInvalidJustification,
			"%s justification is %d characters, must be between %d and %d",
			a.Type, n, MinJustificationLength, MaxJustificationLength)
	}
	return nil
}

// MaxPromotableLevel returns the most severe SEV level the authority may
// promote, or 0 for an unknown authority.
func MaxPromotableLevel(t domain.AuthorityType) int {
	return trustTable[t]
}

// CheckTrust fails with PERMISSION_DENIED when the authority may not promote
// a candidate of the given severity.
func CheckTrust(t domain.AuthorityType, severity domain.Severity) error {
	limit := MaxPromotableLevel(t)
	if limit == 0 {
		return domain.NewError(domain.CodePermissionDenied, "authority %s is not trusted to promote", t)
	}
	if !severity.IsValid() {
		return domain.Validation("candidate severity %q is invalid", severity)
	}
	if severity.Level() < limit {
		return domain.NewError(domain.CodePermissionDenied,
			"%s may promote SEV%d or less severe, candidate is %s", t, limit, severity.SEV())
	}
	return nil
}
