package validation

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const megabyte = 1024 * 1024

// DefaultMaxFileSize applies to MIME types without an explicit ceiling.
const DefaultMaxFileSize = 10 * megabyte

// AllowedUploadTypes lists the MIME types accepted by the upload endpoint.
var AllowedUploadTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"video/mp4",
	"video/webm",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
}

type signature struct {
	offset int
	magic  []byte
}

// An empty slice means the type carries no signature and is accepted as declared.
var fileSignatures = map[string][]signature{
	"image/jpeg":      {{magic: []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":       {{magic: []byte{0x89, 0x50, 0x4E, 0x47}}},
	"image/gif":       {{magic: []byte("GIF")}},
	"image/webp":      {{magic: []byte("RIFF")}},
	"application/pdf": {{magic: []byte("%PDF")}},
	"text/plain":      {},
	"video/mp4":       {{offset: 4, magic: []byte("ftyp")}, {magic: []byte("ftyp")}},
	"video/webm":      {{magic: []byte{0x1A, 0x45, 0xDF, 0xA3}}},
	"audio/mpeg":      {{magic: []byte("ID3")}, {magic: []byte{0xFF, 0xFB}}},
	"audio/wav":       {{magic: []byte("RIFF")}},
	"audio/ogg":       {{magic: []byte("OggS")}},
	"application/msword": {
		{magic: []byte{0xD0, 0xCF, 0x11, 0xE0}},
	},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {
		{magic: []byte{0x50, 0x4B, 0x03, 0x04}},
	},
}

var fileSizeLimits = map[string]int64{
	"image/jpeg":         10 * megabyte,
	"image/png":          10 * megabyte,
	"image/gif":          5 * megabyte,
	"image/webp":         10 * megabyte,
	"application/pdf":    25 * megabyte,
	"text/plain":         1 * megabyte,
	"application/msword": 25 * megabyte,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": 25 * megabyte,
	"video/mp4":  100 * megabyte,
	"video/webm": 100 * megabyte,
	"audio/mpeg": 50 * megabyte,
	"audio/wav":  50 * megabyte,
	"audio/ogg":  50 * megabyte,
}

var executableHeaders = [][]byte{
	{0x4D, 0x5A},
	{0x7F, 0x45, 0x4C, 0x46},
	{0xCA, 0xFE, 0xBA, 0xBE},
	{0xFE, 0xED, 0xFA, 0xCE},
}

var suspiciousPatterns = []string{
	`x5o!p%@ap[4\pzx54(p^)7cc)7}$eicar-standard-antivirus-test-file!$h+h*`,
	"eval(",
	"exec(",
	"<script",
	"javascript:",
	"vbscript:",
}

// IsAllowedUploadType reports whether mimeType may be uploaded.
func IsAllowedUploadType(mimeType string) bool {
	for _, allowed := range AllowedUploadTypes {
		if allowed == mimeType {
			return true
		}
	}
	return false
}

// ValidateFileContent checks data against the magic bytes of mimeType. Executable headers are
// always rejected and unknown MIME types are never accepted.
func ValidateFileContent(data []byte, mimeType string) bool {
	if HasExecutableHeader(data) {
		return false
	}
	signatures, known := fileSignatures[mimeType]
	if !known {
		return false
	}
	if len(signatures) == 0 {
		return true
	}
	for _, candidate := range signatures {
		end := candidate.offset + len(candidate.magic)
		if len(data) >= end && bytes.Equal(data[candidate.offset:end], candidate.magic) {
			return true
		}
	}
	return false
}

// ValidateFileSize reports whether size fits the ceiling for mimeType and returns the ceiling.
func ValidateFileSize(size int64, mimeType string) (bool, int64) {
	limit, ok := fileSizeLimits[mimeType]
	if !ok {
		limit = DefaultMaxFileSize
	}
	return size <= limit, limit
}

// HasExecutableHeader reports whether data starts with a known executable header.
func HasExecutableHeader(data []byte) bool {
	for _, header := range executableHeaders {
		if bytes.HasPrefix(data, header) {
			return true
		}
	}
	return false
}

// ScanForViruses is a signature heuristic, not malware detection. It returns true when data
// contains none of the known bad patterns and no executable header.
func ScanForViruses(data []byte) bool {
	if HasExecutableHeader(data) {
		return false
	}
	content := strings.ToLower(string(data))
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(content, pattern) {
			return false
		}
	}
	return true
}

// DetectMIME sniffs the content type when the client did not declare a usable one.
func DetectMIME(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	detected := mimetype.Detect(data).String()
	return strings.TrimSpace(strings.SplitN(detected, ";", 2)[0])
}
