// Package guardrails provides PII detection and the rewriting strategies
// applied to message content before a model observes it.
//
// Built-in detectors:
//   - credit_card: 16 digits in dash-separated groups of four
//   - ssn: US social security numbers (ddd-dd-dddd)
//   - phone_number: ddd-ddd-dddd
//   - email, ip, url
//
// Strategies: redact, mask, hash, block.
package guardrails

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrPIIBlocked is returned by the block strategy when PII is present.
var ErrPIIBlocked = errors.New("pii detected")

// Strategy names what happens to a detected span.
type Strategy string

const (
	StrategyRedact Strategy = "redact" // [REDACTED_<TYPE>]
	StrategyMask   Strategy = "mask"   // keep the last four characters
	StrategyHash   Strategy = "hash"   // <type_hash:8 hex chars>
	StrategyBlock  Strategy = "block"  // refuse the content
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRedact, StrategyMask, StrategyHash, StrategyBlock:
		return true
	}
	return false
}

var builtInDetectors = map[string]*regexp.Regexp{
	"credit_card":  regexp.MustCompile(`\d{4}-\d{4}-\d{4}-\d{4}`),
	"ssn":          regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
	"phone_number": regexp.MustCompile(`\d{3}-\d{3}-\d{4}`),
	"email":        regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"ip":           regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
	"url":          regexp.MustCompile(`https?://[^\s<>"']+`),
}

// BuiltinDetector returns the detector regexp for a built-in PII type.
func BuiltinDetector(piiType string) (*regexp.Regexp, bool) {
	re, ok := builtInDetectors[piiType]
	return re, ok
}

// Detector finds one PII type in text.
type Detector struct {
	Type    string
	Pattern *regexp.Regexp
}

// NewDetector builds a detector. An empty pattern selects the built-in
// detector for piiType.
func NewDetector(piiType, pattern string) (Detector, error) {
	if piiType == "" {
		return Detector{}, fmt.Errorf("pii type is empty")
	}
	if pattern == "" {
		re, ok := BuiltinDetector(piiType)
		if !ok {
			return Detector{}, fmt.Errorf("no built-in detector for %q", piiType)
		}
		return Detector{Type: piiType, Pattern: re}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Detector{}, fmt.Errorf("compile %s detector: %w", piiType, err)
	}
	return Detector{Type: piiType, Pattern: re}, nil
}

// Apply rewrites every match of d in text using strategy s and reports how
// many spans matched. The block strategy returns ErrPIIBlocked instead.
func Apply(text string, d Detector, s Strategy) (string, int, error) {
	matches := d.Pattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, 0, nil
	}
	if s == StrategyBlock {
		return "", len(matches), fmt.Errorf("%w: %s", ErrPIIBlocked, d.Type)
	}
	out := d.Pattern.ReplaceAllStringFunc(text, func(span string) string {
		switch s {
		case StrategyMask:
			return mask(span)
		case StrategyHash:
			sum := sha256.Sum256([]byte(span))
			return fmt.Sprintf("<%s_hash:%s>", d.Type, hex.EncodeToString(sum[:])[:8])
		default:
			return RedactionToken(d.Type)
		}
	})
	return out, len(matches), nil
}

// RedactionToken is the placeholder the redact strategy substitutes.
func RedactionToken(piiType string) string {
	return "[REDACTED_" + strings.ToUpper(piiType) + "]"
}

// mask stars every letter and digit except the last four, keeping separators.
func mask(span string) string {
	runes := []rune(span)
	keep := 4
	for i := len(runes) - 1; i >= 0; i-- {
		if !unicode.IsLetter(runes[i]) && !unicode.IsDigit(runes[i]) {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		runes[i] = '*'
	}
	return string(runes)
}
