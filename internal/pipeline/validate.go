package pipeline

import (
	"strings"
)

var validFrequencies = map[string]struct{}{
	"Daily":   {},
	"Weekly":  {},
	"Monthly": {},
}

// NormalizeFrequency capitalizes the frequency the way the upstream API
// expects it ("daily" -> "Daily").
func NormalizeFrequency(freq string) string {
	freq = strings.TrimSpace(freq)
	if freq == "" {
		return ""
	}
	return strings.ToUpper(freq[:1]) + strings.ToLower(freq[1:])
}

// ValidateTarget rejects malformed target descriptors at the intake
// boundary. The returned error is a *ValidationError and is never
// retried.
func ValidateTarget(t Target) error {
	url := strings.TrimSpace(t.WebsiteURL)
	if url == "" {
		return &ValidationError{Field: "website_url", Reason: "is required"}
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return &ValidationError{Field: "website_url", Reason: "must start with http:// or https://"}
	}
	if t.Frequency != "" {
		if _, ok := validFrequencies[NormalizeFrequency(t.Frequency)]; !ok {
			return &ValidationError{Field: "frequency", Reason: "must be one of Daily, Weekly, Monthly"}
		}
	}
	if t.MaxProperties < 0 {
		return &ValidationError{Field: "max_properties", Reason: "must be >= 0"}
	}
	return nil
}
