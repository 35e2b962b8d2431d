package security

import (
	"fmt"
	"mime/multipart"
	"regexp"
	"strings"
)

// Patterns that have no business appearing in free-text search or chat.
// Matched case-insensitively against user input.
var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
	regexp.MustCompile(`(?i)\bselect\b.*\bfrom\b`),
	regexp.MustCompile(`(?i)\binsert\b.*\binto\b`),
	regexp.MustCompile(`(?i)\bdelete\b.*\bfrom\b`),
	regexp.MustCompile(`(?i)\bdrop\b.*\btable\b`),
	regexp.MustCompile(`(?i)\bupdate\b.*\bset\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*.*\*/`),
	regexp.MustCompile(`(?i)\bor\b\s+\d+\s*=\s*\d+`),
	regexp.MustCompile(`(?i)'\s*or\s*'`),
	regexp.MustCompile(`;\s*$`),
}

const maxSearchQueryLength = 200

// HasInjectionPatterns reports whether s contains anything resembling an
// injection attempt. Chat messages that trip this are rejected outright
// rather than silently altered.
func HasInjectionPatterns(s string) bool {
	for _, p := range sqlPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// SanitizeSearchQuery strips injection-looking fragments from a search
// query and clamps it to 200 characters. Unlike chat text, searches are
// cleaned instead of rejected so a suspicious query still returns results.
func SanitizeSearchQuery(q string) string {
	for _, p := range sqlPatterns {
		q = p.ReplaceAllString(q, " ")
	}
	q = strings.Join(strings.Fields(q), " ")
	if runes := []rune(q); len(runes) > maxSearchQueryLength {
		q = string(runes[:maxSearchQueryLength])
	}
	return strings.TrimSpace(q)
}

// ValidateImageUpload checks a multipart upload's declared content type
// and size against the given cap.
func ValidateImageUpload(fh *multipart.FileHeader, maxBytes int64) error {
	if fh.Size > maxBytes {
		return fmt.Errorf("image exceeds maximum size of %d bytes", maxBytes)
	}
	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("unsupported content type %q, expected image/*", contentType)
	}
	return nil
}
