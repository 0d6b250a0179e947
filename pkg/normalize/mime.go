package normalize

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// formatTypes covers output-format parameter values whose extension mapping
// is missing or wrong in the system MIME table.
var formatTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"mpeg": "audio/mpeg",
	"wav":  "audio/wav",
	"pcm":  "audio/L16",
	"opus": "audio/ogg",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"aac":  "audio/aac",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"pdf":  "application/pdf",
	"json": "application/json",
	"csv":  "text/csv",
	"md":   "text/markdown",
	"txt":  "text/plain",
}

// InferMime picks a MIME type for a binary payload from, in order, the
// declared output format, the filename extension, and the content itself.
// The result is never empty.
func InferMime(format, filename string, data []byte) string {
	if mt := byFormat(format); mt != "" {
		return mt
	}
	if mt := MimeForName(filename); mt != "" {
		return mt
	}
	return mimetype.Detect(data).String()
}

// MimeForName returns the MIME type implied by a filename extension, or "".
func MimeForName(filename string) string {
	return byFormat(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func byFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if f == "" {
		return ""
	}
	if strings.Contains(f, "/") {
		return f
	}
	if mt, ok := formatTypes[f]; ok {
		return mt
	}
	if mt := mime.TypeByExtension("." + f); mt != "" {
		return mt
	}
	return ""
}

// ExtensionFor returns a file extension (with dot) for a MIME type.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "image/jpeg":
		return ".jpg"
	case "audio/L16":
		return ".pcm"
	}
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
