// Package imagemagick converts raster and vector images with ImageMagick.
package imagemagick

import (
	"context"
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
	"github.com/leftsky/left-tools-service-sub000/internal/util"
)

// Config configures the ImageMagick adapter.
type Config struct {
	BinaryPath   string
	Timeout      time.Duration
	MaxInputSize int64
}

// Adapter wraps the convert CLI (or magick on ImageMagick 7).
type Adapter struct {
	cfg    Config
	runner process.Runner
	binary *util.CachedBinary
	logger *slog.Logger
}

// NewAdapter creates the ImageMagick adapter.
func NewAdapter(cfg Config, runner process.Runner) *Adapter {
	return &Adapter{
		cfg:    cfg,
		runner: runner,
		binary: util.NewCachedBinary([]string{"magick", "convert"}, cfg.BinaryPath, "CONVERTD_IMAGEMAGICK_BINARY"),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (a *Adapter) WithLogger(logger *slog.Logger) *Adapter {
	a.logger = logger.With(slog.String("component", "imagemagick"))
	return a
}

func (a *Adapter) Name() string           { return engine.NameImageMagick }
func (a *Adapter) Kind() engine.Kind      { return engine.KindLocal }
func (a *Adapter) MaxInputSize() int64    { return a.cfg.MaxInputSize }
func (a *Adapter) Timeout() time.Duration { return a.cfg.Timeout }

// Available reports whether the ImageMagick binary is installed.
func (a *Adapter) Available() bool {
	_, err := a.binary.Path()
	return err == nil
}

// SupportsConversion accepts most image pairs; restricted sources only
// convert to their allow-listed outputs.
func (a *Adapter) SupportsConversion(inputFormat, outputFormat string) bool {
	if !canConvert(models.NormalizeFormat(inputFormat), models.NormalizeFormat(outputFormat)) {
		return false
	}
	return a.Available()
}

// Describe reports the binary in use.
func (a *Adapter) Describe() engine.Info {
	info := engine.Info{
		Name:         a.Name(),
		Kind:         a.Kind(),
		MaxInputSize: a.cfg.MaxInputSize,
		Timeout:      a.cfg.Timeout,
	}
	path, err := a.binary.Path()
	if err != nil {
		info.Details = map[string]any{"error": err.Error()}
		return info
	}
	info.Available = true
	info.Binary = path
	return info
}

// Submit converts job.InputPath synchronously.
func (a *Adapter) Submit(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	in := models.NormalizeFormat(job.InputFormat)
	out := models.NormalizeFormat(job.OutputFormat)
	if !canConvert(in, out) {
		return nil, models.NewValidationError("output_format", "imagemagick cannot convert %s to %s", in, out)
	}

	binary, err := a.binary.Path()
	if err != nil {
		return nil, &models.EncoderUnavailableError{Format: out, Reason: err.Error()}
	}

	if stat, err := os.Stat(job.InputPath); err != nil {
		return nil, models.NewValidationError("input", "input file unavailable: %v", err)
	} else if a.cfg.MaxInputSize > 0 && stat.Size() > a.cfg.MaxInputSize {
		return nil, &models.ResourceLimitError{Resource: "input", Size: stat.Size(), Limit: a.cfg.MaxInputSize}
	}

	outputPath := filepath.Join(job.WorkDir, "output."+out)
	args, err := BuildArgs(job.InputPath, in, outputPath, out, job.Options)
	if err != nil {
		return nil, err
	}

	if err := job.Check(ctx); err != nil {
		return nil, err
	}
	job.ReportProgress(10)

	a.logger.Debug("converting image",
		slog.String("task_id", job.TaskID.String()),
		slog.String("input_format", in),
		slog.String("output_format", out),
	)
	if _, err := a.runner.Run(ctx, process.Command{Binary: binary, Args: args}); err != nil {
		return nil, err
	}
	job.ReportProgress(90)

	stat, err := os.Stat(outputPath)
	if err != nil || stat.Size() == 0 {
		return nil, &models.SubprocessError{Command: filepath.Base(binary), ExitCode: 0, Stderr: "conversion produced no output"}
	}
	return &engine.Result{
		Success:    true,
		OutputPath: outputPath,
		OutputSize: stat.Size(),
		Message:    fmt.Sprintf("converted %s to %s", in, out),
	}, nil
}

// RasterizeFirstPage renders page one of a PDF to outputPath. It backs the
// document-to-image pipeline.
func (a *Adapter) RasterizeFirstPage(ctx context.Context, pdfPath, outputPath, format string) error {
	binary, err := a.binary.Path()
	if err != nil {
		return &models.EncoderUnavailableError{Format: format, Reason: err.Error()}
	}
	args, err := BuildArgs(pdfPath, "pdf", outputPath, models.NormalizeFormat(format), models.Options{})
	if err != nil {
		return err
	}
	_, err = a.runner.Run(ctx, process.Command{Binary: binary, Args: args})
	return err
}

// BuildArgs translates options into a convert argument vector.
func BuildArgs(inputPath, in, outputPath, out string, opts models.Options) ([]string, error) {
	var args []string

	if vectorInputs[in] {
		args = append(args, "-density", "150")
	}
	args = append(args, inputSpec(inputPath, in, out, opts))

	if q := opts.String(models.OptQuality); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			return nil, models.NewValidationError(models.OptQuality, "must be an integer between 1 and 100")
		}
		args = append(args, "-quality", strconv.Itoa(n))
	}

	geometry, err := resizeGeometry(opts)
	if err != nil {
		return nil, err
	}
	if geometry != "" {
		args = append(args, "-resize", geometry)
	}

	if opaqueOutputs[out] {
		args = append(args, "-background", "white", "-alpha", "remove", "-alpha", "off")
	}

	formatArgs, err := formatFlags(out, opts)
	if err != nil {
		return nil, err
	}
	args = append(args, formatArgs...)

	return append(args, outputPath), nil
}

// inputSpec selects the frame or page to read. Multi-page sources read the
// first page (or the requested page for PDFs) unless the target keeps frames.
func inputSpec(path, in, out string, opts models.Options) string {
	if in == "pdf" {
		if page, ok := opts.Int(models.OptPage); ok && page > 0 {
			return fmt.Sprintf("%s[%d]", path, page-1)
		}
		return path + "[0]"
	}
	if firstFrameInputs[in] {
		return path + "[0]"
	}
	if multiFrameInputs[in] && !multiFrameOutputs[out] {
		return path + "[0]"
	}
	return path
}

// resizeGeometry builds the -resize geometry:
// "WxH>" shrinks to fit, "WxH!" forces exact size, "W" or "xH" scales one side.
func resizeGeometry(opts models.Options) (string, error) {
	w, err := dimension(opts, models.OptWidth)
	if err != nil {
		return "", err
	}
	h, err := dimension(opts, models.OptHeight)
	if err != nil {
		return "", err
	}

	mode := strings.ToLower(opts.String(models.OptResizeMode))
	if mode != "" && mode != "fit" && mode != "force" {
		return "", models.NewValidationError(models.OptResizeMode, "expected fit or force, got %q", mode)
	}
	force := mode == "force" || !opts.Bool(models.OptMaintainAspect, true)

	switch {
	case w > 0 && h > 0 && force:
		return fmt.Sprintf("%dx%d!", w, h), nil
	case w > 0 && h > 0:
		return fmt.Sprintf("%dx%d>", w, h), nil
	case w > 0:
		return strconv.Itoa(w), nil
	case h > 0:
		return fmt.Sprintf("x%d", h), nil
	}
	return "", nil
}

func dimension(opts models.Options, key string) (int, error) {
	raw := opts.String(key)
	if raw == "" {
		return 0, nil
	}
	n, ok := opts.Int(key)
	if !ok || n <= 0 || n > 20000 {
		return 0, models.NewValidationError(key, "must be a positive integer up to 20000, got %q", raw)
	}
	return n, nil
}

// formatFlags layers format-specific encoder settings.
func formatFlags(out string, opts models.Options) ([]string, error) {
	switch out {
	case "png":
		level := 6
		if opts.Has(models.OptCompression) {
			n, ok := opts.Int(models.OptCompression)
			if !ok || n < 0 || n > 9 {
				return nil, models.NewValidationError(models.OptCompression, "must be between 0 and 9")
			}
			level = n
		}
		return []string{"-define", "png:compression-level=" + strconv.Itoa(level)}, nil
	case "jpg":
		if opts.Bool(models.OptProgressive, true) {
			return []string{"-interlace", "Plane"}, nil
		}
	case "webp":
		if opts.Bool(models.OptLossless, false) {
			return []string{"-define", "webp:lossless=true"}, nil
		}
	case "tiff":
		return []string{"-compress", "LZW"}, nil
	case "heic", "heif":
		var flags []string
		// -quality is already set when the option was given.
		if !opts.Has(models.OptQuality) {
			flags = append(flags, "-quality", "80")
		}
		encoder := opts.String(models.OptHeicEncoder)
		if encoder == "" {
			encoder = "x265"
		}
		return append(flags, "-define", "heic:encoder="+encoder), nil
	}
	return nil, nil
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Describer = (*Adapter)(nil)
)
