// Package redaction masks credentials and personal data before they reach a
// log line. Speech and LLM provider keys are the main concern: every HTTP
// error body and every request field the pipeline logs passes through here.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled"`

	// RedactAPIKeys redacts provider keys and bearer tokens.
	RedactAPIKeys bool `json:"redact_api_keys"`

	// RedactPasswords redacts password assignments.
	RedactPasswords bool `json:"redact_passwords"`

	// RedactEmails masks email addresses down to their first character.
	RedactEmails bool `json:"redact_emails"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RedactAPIKeys:   true,
		RedactPasswords: true,
		RedactEmails:    true,
		Replacement:     "[REDACTED]",
	}
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// Redactor provides sensitive data redaction capabilities.
type Redactor struct {
	config   Config
	keyRules []rule
	password *regexp.Regexp
	email    *regexp.Regexp
	jsonKey  *regexp.Regexp
	custom   []*regexp.Regexp
	mu       sync.RWMutex
}

// NewRedactor creates a new Redactor with the given configuration.
// Invalid custom patterns are skipped.
func NewRedactor(config Config) *Redactor {
	if config.Replacement == "" {
		config.Replacement = "[REDACTED]"
	}

	r := &Redactor{
		config: config,
		keyRules: []rule{
			{"header_key", regexp.MustCompile(`(?i)(xi-api-key|x-api-key|authorization)\s*[=:]\s*['"]?(?:bearer\s+)?([a-zA-Z0-9_\-\.]{16,})['"]?`)},
			{"assigned_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|access[_-]?token|auth[_-]?token)\s*[=:]\s*['"]?([a-zA-Z0-9_\-\.]{16,})['"]?`)},
			{"bearer", regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-\.]{20,})`)},
			{"anthropic_key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`)},
			{"openai_key", regexp.MustCompile(`sk-(?:proj-)?[a-zA-Z0-9_\-]{20,}`)},
			{"elevenlabs_key", regexp.MustCompile(`\bsk_[a-f0-9]{32,}\b`)},
			{"jwt", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)},
		},
		password: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?([^'"\s]{4,})['"]?`),
		email:    regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		jsonKey:  regexp.MustCompile(`"(?:api_key|apikey|xi-api-key|secret|password|token|access_token)"\s*:\s*"([^"]+)"`),
	}

	for _, pattern := range config.CustomPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			r.custom = append(r.custom, re)
		}
	}

	return r
}

// Redact applies all configured redaction rules to the input string.
func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.config.Enabled || input == "" {
		return input
	}

	result := input

	if r.config.RedactAPIKeys {
		result = r.replaceJSON(result)
		for _, rl := range r.keyRules {
			result = r.replaceGroups(rl.re, result)
		}
	}

	if r.config.RedactPasswords {
		result = r.replaceGroups(r.password, result)
	}

	if r.config.RedactEmails {
		result = r.email.ReplaceAllStringFunc(result, maskEmail)
	}

	for _, re := range r.custom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}

	return result
}

// replaceGroups redacts the last capture group of each match, or the whole
// match when the pattern has no groups.
func (r *Redactor) replaceGroups(re *regexp.Regexp, input string) string {
	return re.ReplaceAllStringFunc(input, func(match string) string {
		sub := re.FindStringSubmatch(match)
		if len(sub) > 1 && sub[len(sub)-1] != "" {
			secret := sub[len(sub)-1]
			idx := strings.LastIndex(match, secret)
			return match[:idx] + r.config.Replacement + match[idx+len(secret):]
		}
		return r.config.Replacement
	})
}

func (r *Redactor) replaceJSON(input string) string {
	return r.jsonKey.ReplaceAllStringFunc(input, func(match string) string {
		sub := r.jsonKey.FindStringSubmatch(match)
		if len(sub) > 1 && sub[1] != r.config.Replacement {
			return strings.Replace(match, `"`+sub[1]+`"`, `"`+r.config.Replacement+`"`, 1)
		}
		return match
	})
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// RedactFields redacts sensitive values in a map. Keys that name a
// credential are replaced outright; string values are scanned.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	r.mu.RLock()
	enabled := r.config.Enabled
	replacement := r.config.Replacement
	r.mu.RUnlock()

	if !enabled || fields == nil {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(strings.ToLower(k)) {
			result[k] = replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case error:
			result[k] = r.Redact(val.Error())
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"password", "passwd",
	"api_key", "apikey", "api_secret", "xi-api-key",
	"secret", "private_key",
	"access_token", "refresh_token", "auth_token", "bearer",
	"credential",
}

func isSensitiveKey(key string) bool {
	if strings.HasPrefix(key, "has_") {
		return false
	}
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// SetEnabled enables or disables redaction at runtime.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

// AddCustomPattern adds a custom redaction pattern at runtime.
func (r *Redactor) AddCustomPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom = append(r.custom, re)
	return nil
}

var (
	globalMu       sync.RWMutex
	globalRedactor = NewRedactor(DefaultConfig())
)

// Redact applies redaction using the global redactor.
func Redact(input string) string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor.Redact(input)
}

// RedactFields redacts fields using the global redactor.
func RedactFields(fields map[string]any) map[string]any {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor.RedactFields(fields)
}

// SetGlobalConfig sets the configuration for the global redactor.
func SetGlobalConfig(config Config) {
	r := NewRedactor(config)
	globalMu.Lock()
	globalRedactor = r
	globalMu.Unlock()
}
