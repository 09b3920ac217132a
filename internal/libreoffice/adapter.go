// Package libreoffice converts office documents with LibreOffice in headless mode.
package libreoffice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/process"
	"github.com/leftsky/left-tools-service-sub000/internal/util"
)

// Rasterizer renders the first page of a PDF as an image.
type Rasterizer interface {
	Available() bool
	RasterizeFirstPage(ctx context.Context, pdfPath, outputPath, format string) error
}

// Config configures the LibreOffice adapter.
type Config struct {
	BinaryPath   string
	Timeout      time.Duration
	MaxInputSize int64
}

// Adapter wraps `soffice --headless --convert-to`.
type Adapter struct {
	cfg        Config
	runner     process.Runner
	binary     *util.CachedBinary
	rasterizer Rasterizer
	logger     *slog.Logger
}

// NewAdapter creates the LibreOffice adapter.
func NewAdapter(cfg Config, runner process.Runner) *Adapter {
	return &Adapter{
		cfg:    cfg,
		runner: runner,
		binary: util.NewCachedBinary([]string{"soffice", "libreoffice"}, cfg.BinaryPath, "CONVERTD_LIBREOFFICE_BINARY"),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (a *Adapter) WithLogger(logger *slog.Logger) *Adapter {
	a.logger = logger.With(slog.String("component", "libreoffice"))
	return a
}

// WithRasterizer sets the tool used for png/jpg output.
func (a *Adapter) WithRasterizer(r Rasterizer) *Adapter {
	a.rasterizer = r
	return a
}

func (a *Adapter) Name() string           { return engine.NameLibreOffice }
func (a *Adapter) Kind() engine.Kind      { return engine.KindLocal }
func (a *Adapter) MaxInputSize() int64    { return a.cfg.MaxInputSize }
func (a *Adapter) Timeout() time.Duration { return a.cfg.Timeout }

// SupportsConversion accepts universal targets from any known document,
// conversions within a family, and Writer to Impress.
func (a *Adapter) SupportsConversion(inputFormat, outputFormat string) bool {
	if !canConvert(models.NormalizeFormat(inputFormat), models.NormalizeFormat(outputFormat)) {
		return false
	}
	_, err := a.binary.Path()
	return err == nil
}

// Describe reports the binary in use and whether image output is rasterized.
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
	info.Details = map[string]any{"rasterizer": a.rasterizer != nil && a.rasterizer.Available()}
	return info
}

// Submit converts job.InputPath synchronously.
func (a *Adapter) Submit(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	in := models.NormalizeFormat(job.InputFormat)
	out := models.NormalizeFormat(job.OutputFormat)
	if !canConvert(in, out) {
		return nil, models.NewValidationError("output_format", "libreoffice cannot convert %s to %s", in, out)
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

	logger := a.logger.With(
		slog.String("task_id", job.TaskID.String()),
		slog.String("input_format", in),
		slog.String("output_format", out),
	)

	if !imageTargets[out] {
		path, err := a.convert(ctx, binary, job, in, out)
		if err != nil {
			return nil, err
		}
		job.ReportProgress(90)
		return result(path, out, fmt.Sprintf("converted %s to %s", in, out))
	}

	// Documents become images through PDF.
	pdfPath, err := a.convert(ctx, binary, job, in, "pdf")
	if err != nil {
		return nil, err
	}
	job.ReportProgress(60)

	if a.rasterizer == nil || !a.rasterizer.Available() {
		logger.Warn("no rasterizer available, returning PDF instead of image",
			slog.String("degraded_to", "pdf"))
		res, err := result(pdfPath, "pdf", fmt.Sprintf("no rasterizer available; returned PDF instead of %s", out))
		if err != nil {
			return nil, err
		}
		res.OutputFormat = "pdf"
		return res, nil
	}

	if err := job.Check(ctx); err != nil {
		return nil, err
	}
	imagePath := filepath.Join(job.WorkDir, "output."+out)
	if err := a.rasterizer.RasterizeFirstPage(ctx, pdfPath, imagePath, out); err != nil {
		return nil, err
	}
	job.ReportProgress(90)
	return result(imagePath, out, fmt.Sprintf("converted %s to %s via pdf", in, out))
}

// convert runs one headless conversion and returns the produced file.
func (a *Adapter) convert(ctx context.Context, binary string, job *engine.Job, in, out string) (string, error) {
	if err := job.Check(ctx); err != nil {
		return "", err
	}

	outDir := filepath.Join(job.WorkDir, "lo-out-"+out)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	profileDir := filepath.Join(job.WorkDir, "lo-profile")

	inFamily, _ := FamilyOf(in)
	args := []string{
		"--headless",
		"--norestore",
		"--nologo",
		"--nolockcheck",
		// A private profile per task lets conversions run concurrently.
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--convert-to", convertTarget(inFamily, out),
		"--outdir", outDir,
		job.InputPath,
	}
	if _, err := a.runner.Run(ctx, process.Command{Binary: binary, Args: args, Dir: job.WorkDir}); err != nil {
		return "", err
	}

	return findOutput(outDir, job.InputPath, out)
}

// findOutput locates the converted file. LibreOffice names it after the input
// with the target extension and exits 0 even when it silently fails.
func findOutput(outDir, inputPath, out string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	expected := filepath.Join(outDir, base+"."+out)
	if stat, err := os.Stat(expected); err == nil && stat.Size() > 0 {
		return expected, nil
	}

	entries, err := os.ReadDir(outDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), "."+out) {
				return filepath.Join(outDir, e.Name()), nil
			}
		}
	}
	return "", &models.SubprocessError{Command: "soffice", ExitCode: 0, Stderr: "conversion produced no " + out + " output"}
}

func result(path, format, message string) (*engine.Result, error) {
	stat, err := os.Stat(path)
	if err != nil || stat.Size() == 0 {
		return nil, &models.SubprocessError{Command: "soffice", ExitCode: 0, Stderr: "conversion produced no " + format + " output"}
	}
	return &engine.Result{
		Success:    true,
		OutputPath: path,
		OutputSize: stat.Size(),
		Message:    message,
	}, nil
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Describer = (*Adapter)(nil)
)
