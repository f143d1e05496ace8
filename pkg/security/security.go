package security

import (
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/agentqueue/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobTypeLength is the maximum length for job type names
	MaxJobTypeLength = 64

	// MaxPayloadSize is the maximum size in bytes for an encoded job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxAttempts is the hard limit for attempts per job
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxRepositoryLength is the maximum length for repository references
	MaxRepositoryLength = 255

	// MaxAffinityKeyLength is the maximum length for affinity keys
	MaxAffinityKeyLength = 255
)

// validJobType matches alphanumeric, hyphens, underscores, and dots
var validJobType = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

var ownerRepo = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidateJobType validates a job type name
func ValidateJobType(name string) error {
	if name == "" {
		return core.Invalid("type", "required")
	}
	if len(name) > MaxJobTypeLength {
		return core.Invalid("type", "exceeds %d characters", MaxJobTypeLength)
	}
	if !validJobType.MatchString(name) {
		return core.Invalid("type", "must start with a letter and contain only letters, digits, '_', '-' or '.'")
	}
	return nil
}

// ValidateRepository accepts owner/repo, credential-free http(s) URLs, and
// git@host:path references.
func ValidateRepository(repo string) error {
	if repo == "" {
		return core.Invalid("repository", "required")
	}
	if len(repo) > MaxRepositoryLength {
		return core.Invalid("repository", "exceeds %d characters", MaxRepositoryLength)
	}
	if ownerRepo.MatchString(repo) {
		return nil
	}
	if strings.HasPrefix(repo, "http://") || strings.HasPrefix(repo, "https://") {
		u, err := url.Parse(repo)
		if err != nil {
			return core.Invalid("repository", "malformed URL")
		}
		if u.User != nil {
			return core.Invalid("repository", "URL must not include embedded credentials")
		}
		if u.Host == "" || u.Path == "" || u.Path == "/" {
			return core.Invalid("repository", "URL must include a host and repository path")
		}
		return nil
	}
	if strings.HasPrefix(repo, "git@") {
		return nil
	}
	return core.Invalid("repository", "must be owner/repo, https://<host>/<path>, or git@<host>:<path>")
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures max attempts is within [1, MaxAttempts]
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// NormalizeTags lowercases, trims and deduplicates tags, preserving order.
func NormalizeTags(tags []string, maxLen int) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if len(t) > maxLen {
			return nil, core.Invalid("tags", "tag %q exceeds %d characters", t, maxLen)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// sensitiveKeys mark environment variables whose values are secrets.
var sensitiveKeys = []string{"token", "secret", "password", "passwd", "api_key", "apikey", "credential", "private_key"}

// tokenShapes match well-known credential formats even when the value is unknown.
var tokenShapes = regexp.MustCompile(`(ghp_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|gh[ousr]_[A-Za-z0-9]{20,}|mmwt_[a-f0-9]{16,}|sk-[A-Za-z0-9_-]{20,}|AKIA[0-9A-Z]{16}|xox[abprs]-[A-Za-z0-9-]{10,})`)

// Redactor scrubs secret values from free text before it is persisted.
type Redactor struct {
	secrets     []string
	placeholder string
}

// NewRedactor creates a Redactor for the given literal secrets.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{placeholder: "***"}
	for _, s := range secrets {
		if s != "" && !slices.Contains(r.secrets, s) {
			r.secrets = append(r.secrets, s)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	slices.SortFunc(r.secrets, func(a, b string) int { return len(b) - len(a) })
	return r
}

// RedactorFromEnv collects every environment value whose key looks sensitive.
func RedactorFromEnv(extra ...string) *Redactor {
	var secrets []string
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || len(v) < 4 {
			continue
		}
		lk := strings.ToLower(k)
		for _, marker := range sensitiveKeys {
			if strings.Contains(lk, marker) {
				secrets = append(secrets, v)
				break
			}
		}
	}
	return NewRedactor(append(secrets, extra...)...)
}

// Scrub replaces known secrets and credential-shaped substrings.
func (r *Redactor) Scrub(text string) string {
	if text == "" {
		return ""
	}
	if r != nil {
		for _, s := range r.secrets {
			text = strings.ReplaceAll(text, s, r.placeholder)
		}
	}
	return tokenShapes.ReplaceAllString(text, "***")
}
