// Package ffmpeg converts media files with the ffmpeg and ffprobe binaries.
package ffmpeg

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/process"
	"github.com/leftsky/left-tools-service-sub000/internal/util"
)

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
	Demuxers     []string `json:"demuxers,omitempty"`
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// CanDemux reports whether ffmpeg can read the given input format.
func (info *BinaryInfo) CanDemux(format string) bool {
	if len(info.Demuxers) == 0 {
		return slices.Contains(fallbackInputFormats, format)
	}
	if imageInputFormats[format] && slices.Contains(info.Demuxers, "image2") {
		return true
	}
	for _, name := range demuxerNames(format) {
		if slices.Contains(info.Demuxers, name) {
			return true
		}
	}
	return false
}

// BinaryDetector finds ffmpeg and ffprobe and caches their capabilities.
type BinaryDetector struct {
	runner      process.Runner
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration

	mu           sync.RWMutex
	info         *BinaryInfo
	err          error
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. Empty paths are resolved from
// CONVERTD_FFMPEG_BINARY / CONVERTD_FFPROBE_BINARY or PATH.
func NewBinaryDetector(runner process.Runner, ffmpegPath, ffprobePath string) *BinaryDetector {
	return &BinaryDetector{
		runner:      runner,
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
		cacheTTL:    5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects FFmpeg and FFprobe binaries and their capabilities.
// Failures are cached for the same TTL as successes.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if !d.lastDetected.IsZero() && time.Since(d.lastDetected) < d.cacheTTL {
		info, err := d.info, d.err
		d.mu.RUnlock()
		return info, err
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastDetected.IsZero() && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, d.err
	}

	d.info, d.err = d.detect(ctx)
	d.lastDetected = time.Now()
	return d.info, d.err
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
	d.err = nil
	d.lastDetected = time.Time{}
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ffmpegPath, err := util.FindBinary("ffmpeg", d.ffmpegPath, "CONVERTD_FFMPEG_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	ffprobePath, err := util.FindBinary("ffprobe", d.ffprobePath, "CONVERTD_FFPROBE_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}

	info := &BinaryInfo{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}

	out, err := d.runner.Run(ctx, process.Command{Binary: ffmpegPath, Args: []string{"-version"}})
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version, info.MajorVersion, info.MinorVersion = parseVersion(string(out.Stdout))

	out, err = d.runner.Run(ctx, process.Command{Binary: ffmpegPath, Args: []string{"-hide_banner", "-encoders"}})
	if err != nil {
		return nil, fmt.Errorf("listing ffmpeg encoders: %w", err)
	}
	info.Encoders = parseEncoders(string(out.Stdout))

	// The demuxer list only sharpens input recognition; a static list stands in when it fails.
	if out, err := d.runner.Run(ctx, process.Command{Binary: ffmpegPath, Args: []string{"-hide_banner", "-demuxers"}}); err == nil {
		info.Demuxers = parseDemuxers(string(out.Stdout))
	}

	return info, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion parses "ffmpeg version 6.0 Copyright..." style output.
func parseVersion(output string) (string, int, int) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return "", 0, 0
		}
		var major, minor int
		if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
			major, _ = strconv.Atoi(m[1])
			minor, _ = strconv.Atoi(m[2])
		}
		return parts[2], major, minor
	}
	return "", 0, 0
}

// parseEncoders parses `ffmpeg -encoders` output. Lines look like
// " V....D libx264              libx264 H.264 / AVC".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 || !strings.ContainsRune("VAS", rune(line[0])) {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}

// parseDemuxers parses `ffmpeg -demuxers` output. Lines look like
// " D  mov,mp4,m4a,3gp,3g2,mj2 QuickTime / MOV"; comma lists are split.
func parseDemuxers(output string) []string {
	var demuxers []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "--" {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "D") {
			continue
		}
		demuxers = append(demuxers, strings.Split(fields[1], ",")...)
	}
	return demuxers
}
