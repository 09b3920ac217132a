package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
	"github.com/leftsky/left-tools-service-sub000/internal/engine"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"quality=85", " resolution = 1280x720 ", "mute=true", "quality=90"})
	require.NoError(t, err)
	assert.Equal(t, []string{"quality", "resolution", "mute"}, opts.Keys())
	assert.Equal(t, "90", opts.String("quality"))
	assert.Equal(t, "1280x720", opts.String("resolution"))

	for _, bad := range []string{"quality", "=85"} {
		_, err := parseOptions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestResolveFormat(t *testing.T) {
	assert.Equal(t, "jpg", resolveFormat("", "photos/IMG_1.JPEG"))
	assert.Equal(t, "png", resolveFormat(".PNG", "out.jpg"))
	assert.Empty(t, resolveFormat("", "README"))
}

type stubAdapter struct {
	name string
	kind engine.Kind
}

func (a stubAdapter) Name() string                        { return a.name }
func (a stubAdapter) Kind() engine.Kind                   { return a.kind }
func (a stubAdapter) SupportsConversion(_, _ string) bool { return true }
func (a stubAdapter) MaxInputSize() int64                 { return 0 }
func (a stubAdapter) Timeout() time.Duration              { return time.Minute }
func (a stubAdapter) Submit(context.Context, *engine.Job) (*engine.Result, error) {
	return &engine.Result{Success: true}, nil
}

func TestLocalSelector(t *testing.T) {
	all := engine.NewSelector(
		stubAdapter{name: "cloudconvert", kind: engine.KindRemote},
		stubAdapter{name: "imagemagick", kind: engine.KindLocal},
	)

	sel := localSelector(all)
	require.Len(t, sel.Adapters(), 1)
	a, err := sel.Select("png", "jpg")
	require.NoError(t, err)
	assert.Equal(t, "imagemagick", a.Name())
	assert.False(t, sel.RemoteEnabled())
}

func TestConfigDump(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Remote.CloudConvert.APIKey = "cc-secret"
	cfg.Remote.CloudConvert.SigningSecret = "sig-secret"

	var buf bytes.Buffer
	require.NoError(t, writeConfigDump(&buf, cfg))
	out := buf.String()
	assert.NotContains(t, out, "cc-secret")
	assert.NotContains(t, out, "sig-secret")

	var dumped map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &dumped))

	worker, ok := dumped["worker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "50 MB", worker["inline_max_size"])
	assert.Equal(t, "10s", worker["retry_delay"])

	remote := dumped["remote"].(map[string]any)
	cc := remote["cloudconvert"].(map[string]any)
	assert.Equal(t, maskedValue, cc["api_key"])
	assert.Equal(t, "", remote["convertio"].(map[string]any)["api_key"])
}

func TestApplyServeFlags(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	origPort := cfg.Server.Port

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	flags.String("data-dir", "", "")
	flags.Bool("watch", false, "")
	require.NoError(t, flags.Parse([]string{"--host", "127.0.0.1", "--data-dir", "/srv/convertd", "--watch"}))

	applyServeFlags(flags, cfg)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, origPort, cfg.Server.Port, "unset flags leave the config alone")
	assert.Equal(t, "/srv/convertd", cfg.Storage.BaseDir)
	assert.Equal(t, filepath.Join("/srv/convertd", "tmp"), cfg.Storage.TempDir)
	assert.True(t, cfg.Watch.Enabled)
}
