package security

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxFileSize is the upper bound on accepted files (100 MiB).
	DefaultMaxFileSize = 100 * 1024 * 1024

	checkPassed = "PASSED"
	checkFailed = "FAILED"
)

// dangerousExtensions are extensions commonly used to deliver malware.
var dangerousExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".msi": {}, ".vbs": {}, ".js": {},
	".jar": {}, ".ps1": {}, ".scr": {}, ".dll": {}, ".com": {}, ".pif": {},
	".application": {}, ".gadget": {}, ".msc": {}, ".hta": {}, ".cpl": {},
	".msp": {}, ".inf": {}, ".reg": {}, ".sh": {}, ".py": {}, ".pl": {}, ".php": {},
}

// allowedMIMEPrefixes whitelists content classes rather than exact types:
// documents, media and common archives.
var allowedMIMETypes = map[string]struct{}{
	"application/pdf":              {},
	"application/msword":           {},
	"application/rtf":              {},
	"application/x-rtf":            {},
	"text/plain":                   {},
	"text/csv":                     {},
	"text/markdown":                {},
	"image/jpeg":                   {},
	"image/png":                    {},
	"image/gif":                    {},
	"image/bmp":                    {},
	"image/tiff":                   {},
	"image/webp":                   {},
	"image/svg+xml":                {},
	"audio/mpeg":                   {},
	"audio/wav":                    {},
	"audio/wave":                   {},
	"audio/ogg":                    {},
	"audio/flac":                   {},
	"audio/aac":                    {},
	"video/mp4":                    {},
	"video/mpeg":                   {},
	"video/quicktime":              {},
	"video/x-msvideo":              {},
	"video/webm":                   {},
	"application/zip":              {},
	"application/x-rar-compressed": {},
	"application/x-tar":            {},
	"application/gzip":             {},
	"application/x-gzip":           {},
	"application/x-7z-compressed":  {},
	"application/octet-stream":     {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.ms-powerpoint": {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
}

// Result is the structured outcome of one file scan. It is attached to the
// file's metadata record; an unsafe verdict never undoes a finished upload,
// it only changes the file's subsequent availability.
type Result struct {
	IsSafe         bool   `json:"is_safe"`
	Reason         string `json:"reason,omitempty"`
	MIMEType       string `json:"mime_type"`
	SizeCheck      string `json:"size_check"`
	ExtensionCheck string `json:"extension_check"`
	MIMECheck      string `json:"mime_check"`
}

// Scanner classifies finalized files as safe or unsafe. It is a pure
// classifier: relocating unsafe files is the caller's job.
type Scanner struct {
	// MaxFileSize overrides DefaultMaxFileSize when positive.
	MaxFileSize int64
}

// Scan checks size, extension and MIME type of a stored file.
//
// The scan never fails the caller: if the file cannot be sniffed the MIME
// check fails and the verdict is unsafe, which is the conservative outcome.
func (s *Scanner) Scan(path, filename string, size int64) Result {
	maxSize := s.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	result := Result{
		IsSafe:         true,
		SizeCheck:      checkPassed,
		ExtensionCheck: checkPassed,
		MIMECheck:      checkPassed,
	}

	if size > maxSize {
		result.SizeCheck = checkFailed
		result.IsSafe = false
		result.Reason = fmt.Sprintf("file exceeds maximum size of %d bytes", maxSize)
	}

	if hasDangerousExtension(filename) {
		result.ExtensionCheck = checkFailed
		result.IsSafe = false
		result.Reason = fmt.Sprintf("file extension %q is not allowed", strings.ToLower(filepath.Ext(filename)))
	}

	mimeType, allowed := detectMIMEType(path, filename)
	result.MIMEType = mimeType
	if !allowed {
		result.MIMECheck = checkFailed
		result.IsSafe = false
		result.Reason = fmt.Sprintf("file type %q is not allowed", mimeType)
	}

	return result
}

func hasDangerousExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	_, dangerous := dangerousExtensions[ext]
	return dangerous
}

// detectMIMEType prefers the extension-declared type and falls back to
// content sniffing of the first 512 bytes.
func detectMIMEType(path, filename string) (string, bool) {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if mimeType != "" {
		// TypeByExtension can append charset parameters.
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = strings.TrimSpace(mimeType[:i])
		}
	} else {
		sniffed, err := sniffContentType(path)
		if err != nil {
			return "unknown/error", false
		}
		mimeType = sniffed
	}

	_, allowed := allowedMIMETypes[mimeType]
	return mimeType, allowed
}

func sniffContentType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	contentType := http.DetectContentType(buf[:n])
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType, nil
}
