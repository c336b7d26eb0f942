package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// DetectContentType guesses the MIME type of an upload from its name.
func DetectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if isTextLike(ext) {
		return "text/plain; charset=utf-8"
	} else if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

func isTextLike(ext string) bool {
	switch ext {
	case ".yaml", ".yml", ".toml", ".md", ".log", ".ini", ".conf":
		return true
	}
	return false
}
