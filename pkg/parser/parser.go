// Package parser defines the document-parsing capability consumed by the
// indexing pipeline: raw bytes plus a content type in, plain text out.
// Rich formats (PDF, Office) are supplied by the host application; the
// default implementation handles text-like content.
package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Parser extracts plain text from raw document bytes.
type Parser interface {
	// ExtractText converts the document to plain text. contentType may be
	// empty; path is advisory (used for format detection fallbacks).
	ExtractText(data []byte, contentType, path string) (string, error)
}

// textExtensions are extensions whose bytes are decoded directly. Files
// with these extensions also go through the line-limit checks during sync;
// document formats bypass them.
var textExtensions = map[string]bool{
	"txt": true, "md": true, "markdown": true, "rst": true, "org": true,
	"json": true, "yaml": true, "yml": true, "toml": true, "ini": true,
	"xml": true, "html": true, "htm": true, "css": true, "csv": true, "tsv": true,
	"go": true, "js": true, "ts": true, "jsx": true, "tsx": true, "py": true,
	"rb": true, "rs": true, "java": true, "c": true, "h": true, "cpp": true,
	"hpp": true, "cs": true, "php": true, "sh": true, "bash": true, "zsh": true,
	"sql": true, "swift": true, "kt": true, "scala": true, "lua": true,
	"vue": true, "svelte": true, "tex": true, "log": true, "env": true,
}

// IsTextExtension reports whether ext (lowercase, no dot) is decoded as
// plain text.
func IsTextExtension(ext string) bool {
	return textExtensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// ContentTypeFor infers a content type from a file path. Returns an empty
// string when nothing sensible is known.
func ContentTypeFor(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "pdf":
		return "application/pdf"
	case "doc", "docx":
		return "application/msword"
	case "html", "htm":
		return "text/html"
	case "md", "markdown":
		return "text/markdown"
	case "json":
		return "application/json"
	default:
		if textExtensions[ext] {
			return "text/plain"
		}
		return ""
	}
}

// PlainText is the default Parser: it decodes text-like content and rejects
// binary data it cannot represent.
type PlainText struct{}

// ExtractText implements Parser.
func (PlainText) ExtractText(data []byte, _, path string) (string, error) {
	if looksBinary(data) {
		return "", fmt.Errorf("cannot extract text from binary content (%s)", filepath.Base(path))
	}

	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return text, nil
}

// looksBinary samples the first KiB for NUL bytes, the same heuristic git
// uses to classify blobs.
func looksBinary(data []byte) bool {
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	return bytes.IndexByte(sample, 0) >= 0
}
