package libreoffice

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sofficeRunner writes <outdir>/<input base>.<ext> like soffice does.
func sofficeRunner() *process.FakeRunner {
	return &process.FakeRunner{Handler: func(_ context.Context, cmd process.Command) (*process.Output, error) {
		target := cmd.Args[slices.Index(cmd.Args, "--convert-to")+1]
		ext, _, _ := strings.Cut(target, ":")
		outDir := cmd.Args[slices.Index(cmd.Args, "--outdir")+1]
		input := cmd.Args[len(cmd.Args)-1]
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		return &process.Output{}, process.TouchOutput(filepath.Join(outDir, base+"."+ext), []byte("document"))
	}}
}

type fakeRasterizer struct {
	available bool
	calls     int
}

func (f *fakeRasterizer) Available() bool { return f.available }
func (f *fakeRasterizer) RasterizeFirstPage(_ context.Context, _, out, _ string) error {
	f.calls++
	return os.WriteFile(out, []byte("png"), 0o644)
}

func newTestAdapter(t *testing.T, runner process.Runner) *Adapter {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "soffice")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	return NewAdapter(Config{BinaryPath: bin, Timeout: 10 * time.Minute}, runner)
}

func newJob(t *testing.T, in, out string) *engine.Job {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input."+in)
	require.NoError(t, os.WriteFile(input, []byte("doc bytes"), 0o644))
	return &engine.Job{
		TaskID:       models.NewULID(),
		InputPath:    input,
		InputFormat:  in,
		OutputFormat: out,
		WorkDir:      dir,
	}
}

func TestCanConvert(t *testing.T) {
	tests := []struct {
		in, out string
		want    bool
	}{
		{"docx", "pdf", true},
		{"xlsx", "pdf", true},
		{"pptx", "html", true},
		{"vsdx", "txt", true},
		{"docx", "odt", true},
		{"xls", "csv", true},
		{"odp", "pptx", true},
		{"odg", "fodg", true},
		{"docx", "pptx", true},
		{"pptx", "docx", false},
		{"xlsx", "docx", false},
		{"docx", "xlsx", false},
		{"docx", "key", false},
		{"docx", "png", true},
		{"pptx", "jpg", true},
		{"mp4", "pdf", false},
		{"pdf", "docx", false},
		{"docx", "mp3", false},
	}
	for _, tt := range tests {
		t.Run(tt.in+"->"+tt.out, func(t *testing.T) {
			assert.Equal(t, tt.want, canConvert(tt.in, tt.out))
		})
	}
}

func TestConvertTarget(t *testing.T) {
	assert.Equal(t, "pdf", convertTarget(FamilyWriter, "pdf"))
	assert.Equal(t, "txt:Text (encoded):UTF8", convertTarget(FamilyWriter, "txt"))
	assert.Equal(t, "txt:Text - txt - csv (StarCalc)", convertTarget(FamilyCalc, "txt"))
	assert.Equal(t, "html:impress_html_Export", convertTarget(FamilyImpress, "html"))
	assert.True(t, strings.HasPrefix(convertTarget(FamilyCalc, "csv"), "csv:"))
}

func TestAdapter_SubmitDocxToPdf(t *testing.T) {
	runner := sofficeRunner()
	a := newTestAdapter(t, runner)
	job := newJob(t, "docx", "pdf")

	result, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, filepath.Join(job.WorkDir, "lo-out-pdf", "input.pdf"), result.OutputPath)
	assert.Empty(t, result.OutputFormat)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	args := calls[0].Args
	assert.Contains(t, args, "--headless")
	assert.Contains(t, args, "-env:UserInstallation=file://"+filepath.ToSlash(filepath.Join(job.WorkDir, "lo-profile")))
	assert.Equal(t, job.InputPath, args[len(args)-1])
}

func TestAdapter_ImageOutputRasterizesPdf(t *testing.T) {
	runner := sofficeRunner()
	raster := &fakeRasterizer{available: true}
	a := newTestAdapter(t, runner).WithRasterizer(raster)
	job := newJob(t, "pptx", "png")

	result, err := a.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(job.WorkDir, "output.png"), result.OutputPath)
	assert.Equal(t, 1, raster.calls)
	assert.Empty(t, result.OutputFormat)

	args := runner.Calls()[0].Args
	assert.Equal(t, "pdf", args[slices.Index(args, "--convert-to")+1])
}

func TestAdapter_ImageOutputDegradesToPdf(t *testing.T) {
	runner := sofficeRunner()
	a := newTestAdapter(t, runner).WithRasterizer(&fakeRasterizer{available: false})
	job := newJob(t, "docx", "jpg")

	result, err := a.Submit(context.Background(), job)
	require.NoError(t, err, "missing rasterizer is not a failure")
	assert.True(t, result.Success)
	assert.Equal(t, "pdf", result.OutputFormat)
	assert.True(t, strings.HasSuffix(result.OutputPath, ".pdf"))
	assert.Contains(t, result.Message, "returned PDF")
}

func TestAdapter_SilentFailureIsSubprocessError(t *testing.T) {
	runner := &process.FakeRunner{Handler: func(context.Context, process.Command) (*process.Output, error) {
		return &process.Output{}, nil
	}}
	a := newTestAdapter(t, runner)

	_, err := a.Submit(context.Background(), newJob(t, "docx", "pdf"))
	var subErr *models.SubprocessError
	require.ErrorAs(t, err, &subErr)
	assert.Contains(t, err.Error(), "produced no pdf output")
}

func TestAdapter_RejectsUnsupportedPair(t *testing.T) {
	runner := sofficeRunner()
	a := newTestAdapter(t, runner)

	assert.False(t, a.SupportsConversion("xlsx", "docx"))
	_, err := a.Submit(context.Background(), newJob(t, "xlsx", "docx"))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, runner.Calls())
}
