// Package conftools loads daemon configuration from a YAML file, environment variables and flags, in increasing order of precedence.
package conftools

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const redacted = "***REDACTED***"

// Configuration structs are tagged with json, and unknown keys are an error.
func decoderHook(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
	dc.ErrorUnused = true
}

// Initialize sets up viper to read <name>.yaml and environment variables.
// An option named "database-url" can be set with the environment variable DATABASE_URL,
// and "github.api-url" with GITHUB_API_URL.
func Initialize(name string) {
	viper.SetConfigName(name)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/" + name)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// Load parses the command line and decodes the merged configuration into cfg.
// A missing configuration file is not an error.
func Load(cfg any) error {
	var notFound viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("read configuration file: %w", err)
	}

	flag.Parse()

	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return err
	}

	return viper.Unmarshal(cfg, decoderHook)
}

// Format returns one "key: value" line per option, sorted by key.
// Values of masked keys are replaced, so the result is safe to log.
func Format(masked []string) []string {
	keys := viper.AllKeys()
	slices.Sort(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		var value any = redacted
		if !slices.Contains(masked, key) {
			value = viper.Get(key)
		}
		lines = append(lines, fmt.Sprintf("%s: %v", key, value))
	}
	return lines
}
