package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/ffmpeg"
	"github.com/leftsky/left-tools-service-sub000/internal/imagemagick"
	"github.com/leftsky/left-tools-service-sub000/internal/libreoffice"
	"github.com/leftsky/left-tools-service-sub000/internal/process"
	"github.com/leftsky/left-tools-service-sub000/internal/remote"
	"github.com/leftsky/left-tools-service-sub000/internal/urlutil"
)

// WebhookPath is where CloudConvert delivers job events.
const WebhookPath = "/api/v1/webhooks/cloudconvert"

var enginesJSON bool

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List conversion engines and their availability",
	Long: `List the configured conversion engines in selection order.

Local tools are probed for their binaries and versions. The remote provider is
listed only when the remote environment allows it and an API key is set.`,
	RunE: runEngines,
}

func init() {
	enginesCmd.Flags().BoolVar(&enginesJSON, "json", false, "output engine information as JSON")
	rootCmd.AddCommand(enginesCmd)
}

func runEngines(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	set := buildEngines(cfg, logger)
	infos := set.selector.Engines()

	out := cmd.OutOrStdout()
	if enginesJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tAVAILABLE\tVERSION\tMAX INPUT\tTIMEOUT")
	for _, info := range infos {
		maxInput := "unlimited"
		if info.MaxInputSize > 0 {
			maxInput = humanize.IBytes(uint64(info.MaxInputSize))
		}
		version := info.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			info.Name, info.Kind, info.Available, version, maxInput, info.Timeout)
	}
	if !set.selector.RemoteEnabled() {
		fmt.Fprintf(tw, "\nremote fallback disabled: %s\n", set.remoteReason)
	}
	for _, info := range infos {
		if encoders, ok := info.Details["encoders"].([]string); ok && len(encoders) > 0 {
			fmt.Fprintf(tw, "\n%s encoders: %s\n", info.Name, strings.Join(encoders, ", "))
		}
	}
	return tw.Flush()
}

// engineSet is the selector plus the pieces the server wires separately.
type engineSet struct {
	selector *engine.Selector
	// provider is nil when the remote fallback is disabled.
	provider     remote.Provider
	cloudConvert *remote.CloudConvert
	remoteReason string
}

// buildEngines creates the adapters in priority order: ImageMagick, FFmpeg,
// LibreOffice and finally the remote provider.
func buildEngines(cfg *config.Config, logger *slog.Logger) engineSet {
	runner := process.NewExecRunner().WithLogger(logger.With(slog.String("component", "process")))

	im := imagemagick.NewAdapter(imagemagick.Config{
		BinaryPath:   cfg.ImageMagick.BinaryPath,
		Timeout:      cfg.ImageMagick.Timeout,
		MaxInputSize: cfg.ImageMagick.MaxInputSize.Int64(),
	}, runner).WithLogger(logger)

	ff := ffmpeg.NewAdapter(ffmpeg.Config{
		FFmpegPath:   cfg.FFmpeg.BinaryPath,
		FFprobePath:  cfg.FFmpeg.ProbePath,
		Timeout:      cfg.FFmpeg.Timeout,
		ProbeTimeout: cfg.FFmpeg.ProbeTimeout,
		MaxInputSize: cfg.FFmpeg.MaxInputSize.Int64(),
		Threads:      cfg.FFmpeg.Threads,
	}, runner).WithLogger(logger)

	lo := libreoffice.NewAdapter(libreoffice.Config{
		BinaryPath:   cfg.LibreOffice.BinaryPath,
		Timeout:      cfg.LibreOffice.Timeout,
		MaxInputSize: cfg.LibreOffice.MaxInputSize.Int64(),
	}, runner).WithLogger(logger).WithRasterizer(im)

	adapters := []engine.Adapter{im, ff, lo}
	set := engineSet{}

	provider, reason := buildProvider(cfg, logger)
	if provider != nil {
		adapters = append(adapters, remote.NewAdapter(provider, remote.AdapterConfig{
			Timeout:        cfg.Remote.Timeout,
			MaxInputSize:   cfg.Remote.MaxInputSize.Int64(),
			WebhookEnabled: cfg.Remote.WebhookEnabled && provider.SupportsWebhook(),
			WebhookURL:     urlutil.JoinPath(cfg.Server.BaseURL(), WebhookPath),
		}).WithLogger(logger))
		set.provider = provider
		if cc, ok := provider.(*remote.CloudConvert); ok {
			set.cloudConvert = cc
		}
	}

	set.selector = engine.NewSelector(adapters...)
	if provider == nil {
		set.selector.WithRemoteDisabled(reason)
		set.remoteReason = reason
	}
	return set
}

// buildProvider returns the configured remote provider, or a reason why the
// remote fallback is disabled.
func buildProvider(cfg *config.Config, logger *slog.Logger) (remote.Provider, string) {
	rc := cfg.Remote
	if !rc.RemoteEnabled() {
		return nil, fmt.Sprintf("remote conversion is disabled in the %s environment", rc.Environment)
	}

	client := remote.NewHTTPClient(rc.Provider, rc.HTTPTimeout, logger)
	switch rc.Provider {
	case config.ProviderConvertio:
		if rc.Convertio.APIKey == "" {
			return nil, "remote.convertio.api_key is not set"
		}
		return remote.NewConvertio(remote.ConvertioConfig{
			APIKey:  rc.Convertio.APIKey,
			BaseURL: rc.Convertio.BaseURL,
		}, client).WithLogger(logger), ""
	default:
		if rc.CloudConvert.APIKey == "" {
			return nil, "remote.cloudconvert.api_key is not set"
		}
		return remote.NewCloudConvert(remote.CloudConvertConfig{
			APIKey:        rc.CloudConvert.APIKey,
			BaseURL:       rc.CloudConvert.BaseURL,
			Sandbox:       rc.CloudConvert.Sandbox,
			SigningSecret: rc.CloudConvert.SigningSecret,
		}, client).WithLogger(logger), ""
	}
}
