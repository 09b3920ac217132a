package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

var (
	convertOptions []string
	convertFrom    string
	convertTo      string
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Convert a single file with the local engines",
	Long: `Convert one file without starting the server or touching the database.

Formats are taken from the file extensions unless --from or --to is given.
Only local engines are used; conversions that need the remote provider must be
submitted to a running server.

Examples:
  convertd convert photo.heic photo.jpg -o quality=85
  convertd convert talk.mov talk.mp4 -o resolution=1280x720 -o mute=true
  convertd convert report.docx report.pdf`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringArrayVarP(&convertOptions, "option", "o", nil, "conversion option as key=value (repeatable)")
	convertCmd.Flags().StringVar(&convertFrom, "from", "", "input format (default: input file extension)")
	convertCmd.Flags().StringVar(&convertTo, "to", "", "output format (default: output file extension)")
	rootCmd.AddCommand(convertCmd)
}

// parseOptions turns key=value pairs into conversion options.
func parseOptions(pairs []string) (models.Options, error) {
	var opts models.Options
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return models.Options{}, fmt.Errorf("invalid option %q: expected key=value", pair)
		}
		opts.Set(key, strings.TrimSpace(value))
	}
	return opts, nil
}

// resolveFormat prefers an explicit format over the file extension.
func resolveFormat(explicit, path string) string {
	if f := models.NormalizeFormat(explicit); f != "" {
		return f
	}
	return models.FormatFromFilename(path)
}

// localSelector keeps only the engines that finish inside Submit.
func localSelector(all *engine.Selector) *engine.Selector {
	var local []engine.Adapter
	for _, a := range all.Adapters() {
		if a.Kind() == engine.KindLocal {
			local = append(local, a)
		}
	}
	return engine.NewSelector(local...).WithRemoteDisabled("the convert command uses local engines only")
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	inPath, outPath := args[0], args[1]

	inFormat := resolveFormat(convertFrom, inPath)
	if inFormat == "" {
		return fmt.Errorf("cannot tell the input format of %s; use --from", inPath)
	}
	outFormat := resolveFormat(convertTo, outPath)
	if outFormat == "" {
		return fmt.Errorf("cannot tell the output format of %s; use --to", outPath)
	}
	opts, err := parseOptions(convertOptions)
	if err != nil {
		return err
	}

	info, err := os.Stat(inPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", inPath)
	}
	absIn, err := filepath.Abs(inPath)
	if err != nil {
		return err
	}

	adapter, err := localSelector(buildEngines(cfg, logger).selector).Select(inFormat, outFormat)
	if err != nil {
		return err
	}
	if limit := adapter.MaxInputSize(); limit > 0 && info.Size() > limit {
		return &models.ResourceLimitError{Resource: adapter.Name() + " input", Size: info.Size(), Limit: limit}
	}

	workDir, err := os.MkdirTemp(cfg.Storage.TempDir, "convertd-cli-")
	if err != nil {
		workDir, err = os.MkdirTemp("", "convertd-cli-")
		if err != nil {
			return fmt.Errorf("creating work directory: %w", err)
		}
	}
	defer os.RemoveAll(workDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, adapter.Timeout())
	defer cancel()

	job := &engine.Job{
		TaskID:       models.NewULID(),
		InputPath:    absIn,
		Filename:     filepath.Base(inPath),
		InputFormat:  inFormat,
		OutputFormat: outFormat,
		Options:      opts,
		WorkDir:      workDir,
		Progress: func(percent int) {
			logger.Debug("conversion progress", slog.Int("percent", percent))
		},
	}

	start := time.Now()
	result, err := adapter.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("%s conversion failed: %w", adapter.Name(), err)
	}
	if !result.Success {
		return fmt.Errorf("%s conversion failed: %s", adapter.Name(), result.Message)
	}
	if result.OutputFormat != "" && result.OutputFormat != outFormat {
		logger.Warn("engine produced a different format than requested",
			slog.String("requested", outFormat),
			slog.String("produced", result.OutputFormat))
	}

	n, err := copyFile(result.OutputPath, outPath)
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s, %s, %s)\n",
		inPath, outPath, adapter.Name(), humanize.IBytes(uint64(n)), time.Since(start).Round(time.Millisecond))
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
