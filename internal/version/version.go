// Package version exposes build metadata for convertd.
//
// Version, Commit and Date are set at link time:
//
//	go build -ldflags "-X github.com/leftsky/left-tools-service-sub000/internal/version.Version=x.y.z \
//	                   -X github.com/leftsky/left-tools-service-sub000/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/leftsky/left-tools-service-sub000/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "convertd"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if short := shortCommit(); short != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, short, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version with an abbreviated commit, for cobra's --version.
func Short() string {
	if short := shortCommit(); short != "" {
		return fmt.Sprintf("%s (%s)", Version, short)
	}
	return Version
}

// UserAgent returns the User-Agent sent to remote conversion providers.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}
