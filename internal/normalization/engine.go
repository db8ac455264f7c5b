// Package normalization turns raw signals into canonical, comparable
// NormalizedSignals.
//
// The engine is pure and stateless. It fails open: malformed input never
// halts ingestion, it comes back as a Result carrying a ClassifiedError.
package normalization

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
)

// DefaultVersion is the normalization version hashed into every normalized id.
const DefaultVersion = "v1"

// Tag keys read for references. Nothing else in a signal is interpreted.
const (
	ResourceTagPrefix = "resource."
	TagAccount        = "account"
	TagRegion         = "region"
	TagStage          = "stage"
)

// Config holds the engine settings.
type Config struct {
	// Version is hashed into every normalized signal id.
	Version string
	// MaxFutureSkew bounds how far past now an observation may be stamped.
	MaxFutureSkew time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Version:       DefaultVersion,
		MaxFutureSkew: 5 * time.Minute,
	}
}

// Engine normalizes signals. It holds only immutable configuration and is safe
// for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine. Zero-valued settings fall back to the defaults.
func NewEngine(cfg Config) *Engine {
	defaults := DefaultConfig()
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = defaults.MaxFutureSkew
	}
	return &Engine{cfg: cfg}
}

// Version returns the normalization version in use.
func (e *Engine) Version() string {
	return e.cfg.Version
}

// Normalize canonicalizes signal. now stamps NormalizedAt and bounds future
// timestamps; nothing else depends on it.
func (e *Engine) Normalize(signal domain.Signal, now time.Time) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail(CodeUnknown, "unexpected failure normalizing signal %q: %v", signal.ID, r)
		}
	}()

	if res, failed := validate(signal); failed {
		return res
	}

	if signal.ObservedAt.IsZero() {
		return fail(CodeTimestamp, "signal %s has no observed_at timestamp", signal.ID)
	}
	if signal.ObservedAt.After(now.Add(e.cfg.MaxFutureSkew)) {
		return fail(CodeTimestamp, "signal %s observed_at %s is more than %s ahead of now",
			signal.ID, domain.FormatTimestamp(signal.ObservedAt), e.cfg.MaxFutureSkew)
	}
	canonicalTimestamp := domain.FormatTimestamp(signal.ObservedAt)

	canonicalType := CanonicalizeType(signal.Type)
	if canonicalType == "" {
		return fail(CodeSignalType, "signal type %q has no canonical form", signal.Type)
	}

	checksum := identity.Checksum(signal.RawPayload)
	if signal.Checksum != "" && signal.Checksum != checksum {
		return fail(CodeValidation, "signal %s payload checksum mismatch", signal.ID)
	}

	normalized := &domain.NormalizedSignal{
		ID:                   NormalizedSignalID(e.cfg.Version, signal.ID, canonicalType, canonicalTimestamp),
		NormalizationVersion: e.cfg.Version,
		SourceSignalID:       signal.ID,
		Source:               strings.ToLower(strings.TrimSpace(signal.Source)),
		CanonicalType:        canonicalType,
		CanonicalTimestamp:   canonicalTimestamp,
		Service:              strings.TrimSpace(signal.Service),
		Severity:             signal.Severity,
		Confidence:           signal.Confidence,
		Attributes:           copyAttributes(signal.Metadata),
		Resources:            ExtractResources(signal.Tags),
		Environment:          ExtractEnvironment(signal.Tags),
		Evidence:             domain.EvidenceRef{SignalID: signal.ID, Checksum: checksum},
		NormalizedAt:         now.UTC(),
	}

	return ok(normalized)
}

// NormalizedSignalID derives the id of a normalized signal.
func NormalizedSignalID(version, sourceSignalID, canonicalType, canonicalTimestamp string) string {
	return identity.HashParts(version, sourceSignalID, canonicalType, canonicalTimestamp)
}

func validate(signal domain.Signal) (Result, bool) {
	switch {
	case strings.TrimSpace(signal.ID) == "":
		return fail(CodeValidation, "signal id is required"), true
	case strings.TrimSpace(signal.Source) == "":
		return fail(CodeValidation, "signal %s source is required", signal.ID), true
	case strings.TrimSpace(signal.Service) == "":
		return fail(CodeValidation, "signal %s service is required", signal.ID), true
	case !signal.Severity.IsValid():
		return fail(CodeValidation, "signal %s severity %q is invalid", signal.ID, signal.Severity), true
	case math.IsNaN(signal.Confidence) || signal.Confidence < 0 || signal.Confidence > 1:
		return fail(CodeValidation, "signal %s confidence %v is outside [0,1]", signal.ID, signal.Confidence), true
	case strings.TrimSpace(signal.Type) == "":
		return fail(CodeSignalType, "signal %s type is required", signal.ID), true
	}
	return Result{}, false
}

// CanonicalizeType renders a signal type in lowercase kebab-case.
//
// Case changes start a new word, with acronyms kept together
// ("CPUUtilizationHigh" becomes "cpu-utilization-high"); any run of
// non-alphanumeric characters becomes a single hyphen.
func CanonicalizeType(raw string) string {
	runes := []rune(strings.TrimSpace(raw))
	var b strings.Builder
	pendingSep := false

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			pendingSep = b.Len() > 0
			continue
		}
		if unicode.IsUpper(r) && i > 0 && b.Len() > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				pendingSep = true
			}
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ExtractResources reads resource references from explicit resource.<type>
// tags, sorted by type then id.
func ExtractResources(tags map[string]string) []domain.ResourceRef {
	refs := make([]domain.ResourceRef, 0)
	for key, value := range tags {
		if !strings.HasPrefix(key, ResourceTagPrefix) {
			continue
		}
		resourceType := strings.TrimPrefix(key, ResourceTagPrefix)
		value = strings.TrimSpace(value)
		if resourceType == "" || value == "" {
			continue
		}
		refs = append(refs, domain.ResourceRef{Type: resourceType, ID: value})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

// ExtractEnvironment reads the account, region and stage tags.
func ExtractEnvironment(tags map[string]string) domain.EnvironmentRef {
	return domain.EnvironmentRef{
		Account: strings.TrimSpace(tags[TagAccount]),
		Region:  strings.TrimSpace(tags[TagRegion]),
		Stage:   strings.TrimSpace(tags[TagStage]),
	}
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
