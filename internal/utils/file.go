package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// MaskExtensions are the image extensions accepted for a mask reference
var MaskExtensions = []string{"png", "jpg", "jpeg", "webp"}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// URLExtension returns the extension of the trailing path segment of a URL,
// ignoring any query string or fragment
func URLExtension(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	seg := path.Base(raw)
	if seg == "." || seg == "/" {
		return ""
	}
	ext := path.Ext(seg)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsMaskExtension checks an extension against MaskExtensions
func IsMaskExtension(ext string) bool {
	return lo.Contains(MaskExtensions, strings.ToLower(ext))
}

// IsDataURI reports whether s is an inline image
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, "data:image/")
}

// IsHTTPURL reports whether s uses the http or https scheme
func IsHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Abbreviate shortens long references (data URIs mostly) for logs and errors
func Abbreviate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
