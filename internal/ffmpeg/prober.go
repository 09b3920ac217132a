package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/process"
	"golang.org/x/sync/singleflight"
)

// ProbeResult contains the ffprobe fields used for conversion planning.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	NumStreams int    `json:"nb_streams"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
	Disposition  struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

// FileInfo is the simplified view of a probed input.
type FileInfo struct {
	Container string        `json:"container"`
	Duration  time.Duration `json:"duration"`
	Bitrate   int           `json:"bitrate,omitempty"`

	HasVideo   bool    `json:"has_video"`
	VideoCodec string  `json:"video_codec,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Framerate  float64 `json:"framerate,omitempty"`

	HasAudio      bool   `json:"has_audio"`
	AudioCodec    string `json:"audio_codec,omitempty"`
	AudioChannels int    `json:"audio_channels,omitempty"`
}

// Prober runs ffprobe and keeps results for the lifetime of a task.
type Prober struct {
	runner  process.Runner
	timeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*FileInfo
}

// NewProber creates a new prober.
func NewProber(runner process.Runner) *Prober {
	return &Prober{
		runner:  runner,
		timeout: 30 * time.Second,
		cache:   make(map[string]*FileInfo),
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Load returns file info for path, running ffprobe at most once per path
// until Forget is called. Concurrent callers share one invocation.
func (p *Prober) Load(ctx context.Context, ffprobePath, path string) (*FileInfo, error) {
	p.mu.Lock()
	if info, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return info, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(path, func() (any, error) {
		p.mu.Lock()
		cached, ok := p.cache[path]
		p.mu.Unlock()
		if ok {
			return cached, nil
		}

		result, err := p.Probe(ctx, ffprobePath, path)
		if err != nil {
			return nil, err
		}
		info, err := simplify(result)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[path] = info
		p.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FileInfo), nil
}

// Forget drops the cached info for path.
func (p *Prober) Forget(path string) {
	p.mu.Lock()
	delete(p.cache, path)
	p.mu.Unlock()
}

// Probe runs ffprobe on path and parses its JSON output.
func (p *Prober) Probe(ctx context.Context, ffprobePath, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner.Run(ctx, process.Command{
		Binary: ffprobePath,
		Args: []string{
			"-v", "error",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(out.Stdout, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// simplify converts a probe result into FileInfo. Cover art attached to audio
// files is not treated as a video stream.
func simplify(result *ProbeResult) (*FileInfo, error) {
	if len(result.Streams) == 0 {
		return nil, fmt.Errorf("no media streams found")
	}

	info := &FileInfo{Container: result.Format.FormatName}
	if d, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(d * float64(time.Second))
	}
	if br, err := strconv.Atoi(result.Format.BitRate); err == nil {
		info.Bitrate = br
	}

	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo || s.Disposition.AttachedPic == 1 {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.Framerate = parseFrameRate(s.AvgFrameRate)
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = s.CodecName
			info.AudioChannels = s.Channels
		}
	}
	if !info.HasVideo && !info.HasAudio {
		return nil, fmt.Errorf("no audio or video streams found")
	}
	return info, nil
}

// parseFrameRate parses "30000/1001" style rates.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
