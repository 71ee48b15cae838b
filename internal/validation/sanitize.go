package validation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxLength = 1000
	MaxTitleLength   = 200
	MaxTags          = 20
	MaxTagLength     = 50
	maxFileNameBytes = 255
)

var (
	unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
	repeatedDots        = regexp.MustCompile(`\.{2,}`)
)

// SanitizeString trims value and caps it at maxLength characters. Non-positive maxLength uses
// DefaultMaxLength.
func SanitizeString(value string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	trimmed := strings.TrimSpace(value)
	if utf8.RuneCountInString(trimmed) <= maxLength {
		return trimmed
	}
	runes := []rune(trimmed)
	return strings.TrimSpace(string(runes[:maxLength]))
}

// SanitizeTags lowercases and trims tags, drops empty, overlong and duplicate tags keeping the
// first occurrence, and keeps at most MaxTags.
func SanitizeTags(tags []string) []string {
	result := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" || utf8.RuneCountInString(normalized) > MaxTagLength {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
		if len(result) == MaxTags {
			break
		}
	}
	return result
}

// SanitizeFileName replaces anything outside [a-zA-Z0-9.-], collapses dot runs and strips
// leading and trailing dots.
func SanitizeFileName(name string) string {
	sanitized := unsafeFileNameChars.ReplaceAllString(name, "_")
	sanitized = repeatedDots.ReplaceAllString(sanitized, ".")
	sanitized = strings.Trim(sanitized, ".")
	if len(sanitized) > maxFileNameBytes {
		sanitized = sanitized[:maxFileNameBytes]
	}
	return sanitized
}

// GenerateSecureFileName returns a stored file name that does not depend on user input apart
// from the lowercased extension.
func GenerateSecureFileName(originalName, userID string, now time.Time) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	timestamp := now.UnixMilli()
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s%d%s", userID, timestamp, hex.EncodeToString(random))))
	name := fmt.Sprintf("%d_%s", timestamp, hex.EncodeToString(digest[:])[:16])

	extension := strings.ToLower(strings.TrimPrefix(path.Ext(originalName), "."))
	extension = unsafeFileNameChars.ReplaceAllString(extension, "")
	if extension == "" {
		return name, nil
	}
	return name + "." + extension, nil
}
