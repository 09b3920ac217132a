package models

import (
	"path/filepath"
	"strings"
)

var formatAliases = map[string]string{
	"jpeg": "jpg",
	"jpe":  "jpg",
	"tif":  "tiff",
	"htm":  "html",
	"text": "txt",
	"oga":  "ogg",
	"m2t":  "m2ts",
	"qt":   "mov",
}

// NormalizeFormat lowercases a format name, strips a leading dot and resolves aliases.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, ".")
	if alias, ok := formatAliases[f]; ok {
		return alias
	}
	return f
}

// FormatFromFilename derives a normalized format from a file extension.
func FormatFromFilename(name string) string {
	return NormalizeFormat(filepath.Ext(name))
}

// ReplaceExt returns name with its extension replaced by format.
func ReplaceExt(name, format string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." || base == "/" {
		base = "output"
	}
	return base + "." + format
}
