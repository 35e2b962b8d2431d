package security

import (
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHasInjectionPatterns(t *testing.T) {
	assert.True(t, HasInjectionPatterns("1 UNION SELECT password FROM users"))
	assert.True(t, HasInjectionPatterns("x' OR '1'='1"))
	assert.True(t, HasInjectionPatterns("nice try -- comment"))
	assert.True(t, HasInjectionPatterns("DROP TABLE listings"))

	assert.False(t, HasInjectionPatterns("selling a CAT 320 excavator"))
	assert.False(t, HasInjectionPatterns("is the drill still for rent?"))
	assert.False(t, HasInjectionPatterns(""))
}

func TestSanitizeSearchQuery(t *testing.T) {
	assert.Equal(t, "excavator", SanitizeSearchQuery("excavator"))
	assert.Equal(t, "excavator", SanitizeSearchQuery("  excavator  "))

	// Injection fragments are removed, the rest survives.
	got := SanitizeSearchQuery("crane UNION SELECT * FROM users")
	assert.NotContains(t, strings.ToLower(got), "union")
	assert.Contains(t, got, "crane")
}

func TestSanitizeSearchQueryClampsLength(t *testing.T) {
	long := strings.Repeat("a", 500)
	assert.Len(t, SanitizeSearchQuery(long), 200)
}

func TestSanitizeSearchQueryClampKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("экскаватор ", 30)
	got := SanitizeSearchQuery(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 200)
}

func fileHeader(contentType string, size int64) *multipart.FileHeader {
	return &multipart.FileHeader{
		Filename: "photo.jpg",
		Size:     size,
		Header:   textproto.MIMEHeader{"Content-Type": []string{contentType}},
	}
}

func TestValidateImageUpload(t *testing.T) {
	assert.NoError(t, ValidateImageUpload(fileHeader("image/jpeg", 1024), 2*1024*1024))
	assert.NoError(t, ValidateImageUpload(fileHeader("image/png", 2*1024*1024), 2*1024*1024))

	assert.Error(t, ValidateImageUpload(fileHeader("image/jpeg", 3*1024*1024), 2*1024*1024))
	assert.Error(t, ValidateImageUpload(fileHeader("application/pdf", 1024), 2*1024*1024))
	assert.Error(t, ValidateImageUpload(fileHeader("", 1024), 2*1024*1024))
}
