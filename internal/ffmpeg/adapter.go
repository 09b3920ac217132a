package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/process"
)

// Config configures the FFmpeg adapter.
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	MaxInputSize int64
	Threads      int
}

// Adapter converts media with ffmpeg.
type Adapter struct {
	cfg      Config
	runner   process.Runner
	detector *BinaryDetector
	prober   *Prober
	logger   *slog.Logger
}

// NewAdapter creates the FFmpeg adapter.
func NewAdapter(cfg Config, runner process.Runner) *Adapter {
	prober := NewProber(runner)
	if cfg.ProbeTimeout > 0 {
		prober.WithTimeout(cfg.ProbeTimeout)
	}
	return &Adapter{
		cfg:      cfg,
		runner:   runner,
		detector: NewBinaryDetector(runner, cfg.FFmpegPath, cfg.FFprobePath),
		prober:   prober,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (a *Adapter) WithLogger(logger *slog.Logger) *Adapter {
	a.logger = logger.With(slog.String("component", "ffmpeg"))
	return a
}

// Detector exposes the binary detector.
func (a *Adapter) Detector() *BinaryDetector { return a.detector }

func (a *Adapter) Name() string           { return engine.NameFFmpeg }
func (a *Adapter) Kind() engine.Kind      { return engine.KindLocal }
func (a *Adapter) MaxInputSize() int64    { return a.cfg.MaxInputSize }
func (a *Adapter) Timeout() time.Duration { return a.cfg.Timeout }

// SupportsConversion reports whether ffmpeg can read in and has a working
// encoder chain for out.
func (a *Adapter) SupportsConversion(inputFormat, outputFormat string) bool {
	info, err := a.detector.Detect(context.Background())
	if err != nil {
		return false
	}
	if !info.CanDemux(models.NormalizeFormat(inputFormat)) {
		return false
	}
	_, err = planConversion(info, models.NormalizeFormat(outputFormat), models.Options{})
	return err == nil
}

// Diagnose explains a missing encoder chain for formats without a generic fallback.
func (a *Adapter) Diagnose(inputFormat, outputFormat string) error {
	out := models.NormalizeFormat(outputFormat)
	chain, ok := chainFor(out)
	if !ok || !chain.strict {
		return nil
	}
	info, err := a.detector.Detect(context.Background())
	if err != nil {
		return &models.EncoderUnavailableError{Format: out, Reason: err.Error()}
	}
	_, err = planConversion(info, out, models.Options{})
	return err
}

// Describe reports ffmpeg availability and the output formats it can produce.
func (a *Adapter) Describe() engine.Info {
	info := engine.Info{
		Name:         a.Name(),
		Kind:         a.Kind(),
		MaxInputSize: a.cfg.MaxInputSize,
		Timeout:      a.cfg.Timeout,
	}
	bin, err := a.detector.Detect(context.Background())
	if err != nil {
		info.Details = map[string]any{"error": err.Error()}
		return info
	}
	info.Available = true
	info.Binary = bin.FFmpegPath
	info.Version = bin.Version

	var formats, encoders []string
	seen := map[string]bool{}
	for _, f := range OutputFormats() {
		p, err := planConversion(bin, f, models.Options{})
		if err != nil {
			continue
		}
		formats = append(formats, f)
		for _, e := range []string{p.videoEncoder, p.audioEncoder} {
			if e != "" && !seen[e] {
				seen[e] = true
				encoders = append(encoders, e)
			}
		}
	}
	info.Details = map[string]any{"output_formats": formats, "encoders": encoders}
	return info
}

// conversionPlan is the encoder choice for one output format.
type conversionPlan struct {
	format       string
	chain        encoderChain
	videoEncoder string
	audioEncoder string
}

// planConversion selects the first available encoder for video and,
// independently, for audio. Encoders already recorded in opts are reused.
func planConversion(info *BinaryInfo, format string, opts models.Options) (*conversionPlan, error) {
	chain, ok := chainFor(format)
	if !ok {
		return nil, &models.EncoderUnavailableError{Format: format, Reason: "ffmpeg has no encoder table for this format"}
	}
	p := &conversionPlan{format: format, chain: chain}

	if len(chain.video) > 0 {
		p.videoEncoder = firstAvailable(info, chain.video, opts.String(models.OptVideoEncoder))
		if p.videoEncoder == "" {
			return nil, missingEncoders(format, "video", chain.video)
		}
	}
	if len(chain.audio) > 0 {
		p.audioEncoder = firstAvailable(info, chain.audio, opts.String(models.OptAudioEncoder))
		if p.audioEncoder == "" && (chain.kind == targetAudio || chain.strict) {
			return nil, missingEncoders(format, "audio", chain.audio)
		}
	}
	return p, nil
}

func missingEncoders(format, kind string, candidates []string) error {
	return &models.EncoderUnavailableError{
		Format: format,
		Reason: fmt.Sprintf("none of the %s encoders %s is installed", kind, strings.Join(candidates, ", ")),
	}
}

// Submit converts job.InputPath synchronously.
func (a *Adapter) Submit(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	if err := job.Check(ctx); err != nil {
		return nil, err
	}
	out := models.NormalizeFormat(job.OutputFormat)

	bin, err := a.detector.Detect(ctx)
	if err != nil {
		return nil, &models.EncoderUnavailableError{Format: out, Reason: err.Error()}
	}

	if err := a.checkSize(job.InputPath); err != nil {
		return nil, err
	}

	defer a.prober.Forget(job.InputPath)
	info, err := a.prober.Load(ctx, bin.FFprobePath, job.InputPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewValidationError("input", "reading media info: %v", err)
	}

	plan, err := planConversion(bin, out, job.Options)
	if err != nil {
		return nil, err
	}

	opts := job.Options.Clone()
	if plan.videoEncoder != "" {
		opts.Set(models.OptVideoEncoder, plan.videoEncoder)
	}
	if plan.audioEncoder != "" {
		opts.Set(models.OptAudioEncoder, plan.audioEncoder)
	}
	if err := job.Record(ctx, opts); err != nil {
		return nil, fmt.Errorf("recording encoder choice: %w", err)
	}

	c := &conversion{
		adapter:    a,
		ffmpeg:     bin.FFmpegPath,
		job:        job,
		info:       info,
		plan:       plan,
		opts:       opts,
		outputPath: filepath.Join(job.WorkDir, "output."+out),
	}
	if err := c.validateStreams(); err != nil {
		return nil, err
	}

	logger := a.logger.With(
		slog.String("task_id", job.TaskID.String()),
		slog.String("output_format", out),
		slog.String("video_encoder", plan.videoEncoder),
		slog.String("audio_encoder", plan.audioEncoder),
	)

	if plan.chain.direct {
		logger.Debug("direct conversion")
		err = c.direct(ctx)
	} else {
		logger.Debug("split transcode", slog.Bool("has_audio", c.withAudio()))
		err = c.split(ctx)
	}
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(c.outputPath)
	if err != nil || stat.Size() == 0 {
		return nil, &models.SubprocessError{Command: "ffmpeg", ExitCode: 0, Stderr: "conversion produced no output"}
	}

	return &engine.Result{
		Success:    true,
		OutputPath: c.outputPath,
		OutputSize: stat.Size(),
		Message:    "converted with " + plan.summary(),
		Options:    opts,
	}, nil
}

func (p *conversionPlan) summary() string {
	var parts []string
	for _, e := range []string{p.videoEncoder, p.audioEncoder} {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "+")
}

func (a *Adapter) checkSize(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return models.NewValidationError("input", "input file unavailable: %v", err)
	}
	if a.cfg.MaxInputSize > 0 && stat.Size() > a.cfg.MaxInputSize {
		return &models.ResourceLimitError{Resource: "input", Size: stat.Size(), Limit: a.cfg.MaxInputSize}
	}
	return nil
}

// conversion holds the state of one Submit call.
type conversion struct {
	adapter    *Adapter
	ffmpeg     string
	job        *engine.Job
	info       *FileInfo
	plan       *conversionPlan
	opts       models.Options
	outputPath string
}

func (c *conversion) validateStreams() error {
	switch c.plan.chain.kind {
	case targetAudio:
		if !c.info.HasAudio {
			return models.NewValidationError("input", "input has no audio stream to convert to %s", c.plan.format)
		}
	default:
		if !c.info.HasVideo {
			return models.NewValidationError("input", "input has no video stream to convert to %s", c.plan.format)
		}
	}
	return nil
}

// withAudio reports whether the output should carry an audio track.
func (c *conversion) withAudio() bool {
	return c.info.HasAudio && c.plan.audioEncoder != "" && !c.opts.Bool(models.OptMute, false)
}

func (c *conversion) run(ctx context.Context, b *CommandBuilder) error {
	if err := c.job.Check(ctx); err != nil {
		return err
	}
	_, err := c.adapter.runner.Run(ctx, b.Threads(c.adapter.cfg.Threads).Build())
	return err
}

func (c *conversion) builder() *CommandBuilder {
	return NewCommandBuilder(c.ffmpeg)
}

// videoArgs applies the video encoder, quality, scaling and frame rate.
func (c *conversion) videoArgs(b *CommandBuilder) error {
	enc := c.plan.videoEncoder
	b.VideoCodec(enc)

	quality, err := videoQualityArgs(enc, c.opts)
	if err != nil {
		return err
	}
	b.Args(quality...)

	scale, err := scaleFilter(c.opts)
	if err != nil {
		return err
	}
	b.VideoFilter(scale)

	fr, err := framerateArgs(c.opts)
	if err != nil {
		return err
	}
	b.Args(fr...)

	if enc == "libx264" || enc == "libx265" {
		b.Args("-pix_fmt", "yuv420p")
	}
	return nil
}

func (c *conversion) containerArgs(b *CommandBuilder) {
	switch c.plan.format {
	case "mp4", "m4v", "mov":
		b.Args("-movflags", "+faststart")
	}
}

// direct produces the output with a single ffmpeg invocation.
func (c *conversion) direct(ctx context.Context) error {
	b := c.builder().Input(c.job.InputPath)

	switch c.plan.chain.kind {
	case targetAudio:
		args, err := audioEncoderArgs(c.plan.audioEncoder, c.opts)
		if err != nil {
			return err
		}
		b.NoVideo().Map("0:a:0").Args(args...)
	case targetImage:
		if err := c.imageArgs(b); err != nil {
			return err
		}
	default:
		if err := c.videoArgs(b); err != nil {
			return err
		}
		b.Map("0:v:0")
		if c.withAudio() {
			args, err := audioEncoderArgs(c.plan.audioEncoder, c.opts)
			if err != nil {
				return err
			}
			b.Map("0:a:0").Args(args...)
		} else {
			b.NoAudio()
		}
	}

	c.job.ReportProgress(10)
	if err := c.run(ctx, b.Output(c.outputPath)); err != nil {
		return err
	}
	c.job.ReportProgress(90)
	return nil
}

// imageArgs configures image-like targets.
func (c *conversion) imageArgs(b *CommandBuilder) error {
	quality := 80
	if q, ok := c.opts.Int(models.OptQuality); ok {
		if q < 1 || q > 100 {
			return models.NewValidationError(models.OptQuality, "must be between 1 and 100")
		}
		quality = q
	}

	enc := c.plan.videoEncoder
	switch c.plan.format {
	case "gif":
		fps := "10"
		if fr := c.opts.String(models.OptFramerate); fr != "" {
			if _, err := strconv.ParseFloat(fr, 64); err != nil {
				return models.NewValidationError(models.OptFramerate, "expected a number, got %q", fr)
			}
			fps = fr
		}
		width := 480
		if w, ok := c.opts.Int(models.OptWidth); ok && w > 0 {
			width = w
		} else if c.info.Width > 0 && c.info.Width < width {
			width = c.info.Width
		}
		b.VideoFilter(fmt.Sprintf(
			"fps=%s,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", fps, width))
		b.Args("-loop", "0")
		return nil
	case "webp":
		scale, err := scaleFilter(c.opts)
		if err != nil {
			return err
		}
		b.VideoFilter(scale).VideoCodec(enc)
		if c.opts.Bool(models.OptLossless, false) {
			b.Args("-lossless", "1")
		} else {
			b.Args("-q:v", strconv.Itoa(quality))
		}
		b.Args("-loop", "0").NoAudio()
		return nil
	case "apng":
		scale, err := scaleFilter(c.opts)
		if err != nil {
			return err
		}
		b.VideoFilter(scale).VideoCodec(enc).Args("-plays", "0", "-f", "apng").NoAudio()
		return nil
	case "avif":
		scale, err := scaleFilter(c.opts)
		if err != nil {
			return err
		}
		crf := 63 - (quality*63)/100
		b.VideoFilter(scale).VideoCodec(enc).Args("-crf", strconv.Itoa(crf), "-b:v", "0").NoAudio()
		return nil
	}

	// Still images take the first frame.
	scale, err := scaleFilter(c.opts)
	if err != nil {
		return err
	}
	b.VideoFilter(scale).VideoCodec(enc).Args("-frames:v", "1", "-update", "1")
	switch c.plan.format {
	case "jpg":
		// mjpeg qscale runs 2 (best) to 31.
		b.Args("-q:v", strconv.Itoa(2+(100-quality)*29/100))
	case "heic":
		b.Args("-crf", strconv.Itoa(51-(quality*51)/100), "-tag:v", "hvc1")
	}
	b.NoAudio()
	return nil
}

// split encodes video and audio separately and merges them. Without an audio
// track the video-only encode writes the final output directly.
func (c *conversion) split(ctx context.Context) error {
	withAudio := c.withAudio()
	workDir := c.job.WorkDir

	videoOut := c.outputPath
	var videoTemp, audioTemp string
	if withAudio {
		videoTemp = filepath.Join(workDir, "video-only."+c.plan.format)
		audioTemp = filepath.Join(workDir, "audio-only."+audioExtensions[c.plan.audioEncoder])
		videoOut = videoTemp
	}
	defer func() {
		for _, p := range []string{videoTemp, audioTemp} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.adapter.logger.Warn("removing intermediate file", slog.String("path", p), slog.String("error", err.Error()))
			}
		}
	}()

	// (a) video only
	vb := c.builder().Input(c.job.InputPath).Map("0:v:0").NoAudio()
	if err := c.videoArgs(vb); err != nil {
		return err
	}
	if !withAudio {
		c.containerArgs(vb)
	}
	c.job.ReportProgress(5)
	if err := c.run(ctx, vb.Output(videoOut)); err != nil {
		return err
	}
	if !withAudio {
		c.job.ReportProgress(90)
		return nil
	}
	c.job.ReportProgress(60)

	// (b) audio only
	audioArgs, err := audioEncoderArgs(c.plan.audioEncoder, c.opts)
	if err != nil {
		return err
	}
	ab := c.builder().Input(c.job.InputPath).Map("0:a:0").NoVideo().Args(audioArgs...)
	if err := c.run(ctx, ab.Output(audioTemp)); err != nil {
		return err
	}
	c.job.ReportProgress(75)

	// (c) merge
	mb := c.builder().Input(videoTemp).Input(audioTemp).
		Map("0:v:0").Map("1:a:0").
		Args("-c:v", "copy")
	if audioReencodeOnMerge[c.plan.format] {
		mb.Args(audioArgs...)
	} else {
		mb.Args("-c:a", "copy")
	}
	mb.Args("-shortest")
	c.containerArgs(mb)
	if err := c.run(ctx, mb.Output(c.outputPath)); err != nil {
		return err
	}
	c.job.ReportProgress(90)
	return nil
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Diagnoser = (*Adapter)(nil)
	_ engine.Describer = (*Adapter)(nil)
)
