// Package urlutil provides URL helpers shared by the API and the input fetcher.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// JoinPath joins a base URL with a path, ensuring single slashes.
func JoinPath(baseURL, p string) string {
	if baseURL == "" {
		return p
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return baseURL + p
}

// IsRemoteURL checks if a URL uses the http or https scheme.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// ValidateURL checks that u is an absolute http(s) URL with a host.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

// FilenameFromURL returns the last path element of u, or "" when there is none.
func FilenameFromURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}
