// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FindBinary resolves an engine executable.
// Search order:
//  1. configured, when set (an absolute/relative path or a bare command name)
//  2. the environment variable envVar, when set
//  3. name on PATH
//
// Each candidate must exist and be executable.
func FindBinary(name, configured, envVar string) (string, error) {
	if configured != "" {
		if path, ok := resolve(configured); ok {
			return path, nil
		}
		return "", fmt.Errorf("configured binary %s for %s is not executable", configured, name)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" {
			if path, ok := resolve(envPath); ok {
				return path, nil
			}
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// FindFirstBinary tries each name in turn and returns the first found.
func FindFirstBinary(names []string, configured, envVar string) (string, error) {
	if configured != "" || (envVar != "" && os.Getenv(envVar) != "") {
		return FindBinary(names[0], configured, envVar)
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %s found", strings.Join(names, ", "))
}

func resolve(candidate string) (string, bool) {
	if !strings.ContainsRune(candidate, filepath.Separator) {
		path, err := exec.LookPath(candidate)
		return path, err == nil
	}
	return candidate, isExecutable(candidate)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// CachedBinary memoises a binary lookup for a TTL so capability checks on hot
// paths do not rescan PATH.
type CachedBinary struct {
	names      []string
	configured string
	envVar     string
	ttl        time.Duration

	mu       sync.Mutex
	path     string
	err      error
	resolved time.Time
}

// NewCachedBinary creates a lookup for the first of names found.
func NewCachedBinary(names []string, configured, envVar string) *CachedBinary {
	return &CachedBinary{
		names:      names,
		configured: configured,
		envVar:     envVar,
		ttl:        5 * time.Minute,
	}
}

// Path returns the resolved binary path.
func (c *CachedBinary) Path() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved.IsZero() || time.Since(c.resolved) >= c.ttl {
		c.path, c.err = FindFirstBinary(c.names, c.configured, c.envVar)
		c.resolved = time.Now()
	}
	return c.path, c.err
}
