package cmd

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting convertd configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

The output merges defaults, the config file and environment variables. Redirect
it to a file to create a configuration template:

  convertd config dump > convertd.yaml

Environment variables use the CONVERTD_ prefix and underscores for nesting.
Example: worker.concurrency -> CONVERTD_WORKER_CONCURRENCY

API keys and signing secrets are masked.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// secretKeys are masked in dumps.
var secretKeys = map[string]bool{
	"api_key":        true,
	"signing_secret": true,
}

const maskedValue = "********"

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and byte sizes in their human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		case string:
			if secretKeys[key] && fv != "" {
				result[key] = maskedValue
			} else {
				result[key] = fv
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func writeConfigDump(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# convertd configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 30s, 5m0s, 1h0m0s")
	fmt.Fprintln(w, "# Size format: 50 MB, 1 GB")
	fmt.Fprintln(w, "# Schedules accept cron expressions and @every descriptors.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfigDump(cmd.OutOrStdout(), cfg)
}
