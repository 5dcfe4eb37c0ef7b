package common

import (
	"fmt"
	"regexp"
	"strings"
)

// MaskedReplacement is the value substituted for detected secrets.
const MaskedReplacement = "***MASKED***"

// SensitivePattern represents a pattern to detect and mask sensitive information.
// Pipeline environments routinely carry cloud credentials and registry tokens,
// so attribute values are scrubbed before they reach any log sink.
type SensitivePattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Keys        []string // specific keys to mask (case-insensitive)
}

// DefaultSensitivePatterns contains common patterns for sensitive information
var DefaultSensitivePatterns = []SensitivePattern{
	{
		Name:        "password",
		Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["'\s]*[:=]["'\s]*([^"',}\]\s]+)`),
		Replacement: `${1}":"` + MaskedReplacement + `"`,
		Keys:        []string{"password", "passwd", "pwd"},
	},
	{
		Name:        "api_key",
		Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["'\s]*[:=]["'\s]*([^"',}\]\s]+)`),
		Replacement: `${1}":"` + MaskedReplacement + `"`,
		Keys:        []string{"api_key", "apikey", "api-key"},
	},
	{
		Name:        "token",
		Regex:       regexp.MustCompile(`(?i)(token|access[_-]?token|auth[_-]?token)["'\s]*[:=]["'\s]*([^"',}\]\s]+)`),
		Replacement: `${1}":"` + MaskedReplacement + `"`,
		Keys:        []string{"token", "access_token", "auth_token"},
	},
	{
		Name:        "secret",
		Regex:       regexp.MustCompile(`(?i)(secret|client[_-]?secret|secret[_-]?key)["'\s]*[:=]["'\s]*([^"',}\]\s]+)`),
		Replacement: `${1}":"` + MaskedReplacement + `"`,
		Keys:        []string{"secret", "client_secret", "secret_key", "aws_secret_access_key"},
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
		Replacement: "Bearer " + MaskedReplacement,
		Keys:        []string{},
	},
}

// Masker handles masking of sensitive information in logs
type Masker struct {
	patterns []SensitivePattern
	enabled  bool
}

// NewMasker creates a new masker with default patterns
func NewMasker() *Masker {
	return &Masker{
		patterns: DefaultSensitivePatterns,
		enabled:  true,
	}
}

// IsEnabled reports whether masking is active
func (m *Masker) IsEnabled() bool {
	return m != nil && m.enabled
}

// SetEnabled toggles masking
func (m *Masker) SetEnabled(enabled bool) {
	if m != nil {
		m.enabled = enabled
	}
}

// MaskValue masks a value when its key matches a sensitive key, or when the
// string representation matches one of the configured patterns.
func (m *Masker) MaskValue(key string, value interface{}) interface{} {
	if !m.IsEnabled() {
		return value
	}

	lowerKey := strings.ToLower(key)
	for _, p := range m.patterns {
		for _, k := range p.Keys {
			if lowerKey == k {
				return MaskedReplacement
			}
		}
	}

	s, ok := value.(string)
	if !ok {
		return value
	}
	return m.MaskString(s)
}

// MaskString applies all regex patterns to a string
func (m *Masker) MaskString(s string) string {
	if !m.IsEnabled() {
		return s
	}
	for _, p := range m.patterns {
		if p.Regex != nil && p.Regex.MatchString(s) {
			s = p.Regex.ReplaceAllString(s, p.Replacement)
		}
	}
	return s
}

// MaskMap returns a copy of a string map with sensitive values masked
func (m *Masker) MaskMap(in map[string]string) map[string]string {
	if !m.IsEnabled() || len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		masked := m.MaskValue(k, v)
		out[k] = fmt.Sprintf("%v", masked)
	}
	return out
}
