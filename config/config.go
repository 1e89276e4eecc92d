// Package config resolves the options of a suite from a config file, the process
// environment and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/perfgo/raptor/phase"
)

const (
	// DefaultEnvFile is loaded before flags are resolved when present
	DefaultEnvFile = ".env"
	// EnvPrefix prefixes environment overrides of config file keys (RAPTOR_RUNS, ...)
	EnvPrefix = "RAPTOR"
)

// File is the content of a raptor.yaml config file
type File struct {
	Runs        int               `mapstructure:"runs"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Retries     int               `mapstructure:"retries"`
	Apps        []string          `mapstructure:"apps"`
	Marks       map[string]string `mapstructure:"marks"`
	Tags        map[string]string `mapstructure:"tags"`
	Pushgateway PushgatewayConfig `mapstructure:"pushgateway"`
}

// PushgatewayConfig configures the Prometheus Pushgateway sink
type PushgatewayConfig struct {
	URL string `mapstructure:"url"`
	Job string `mapstructure:"job"`
}

// Default returns the configuration used when no file is given
func Default() *File {
	defaults := phase.DefaultOptions()
	return &File{
		Runs:    defaults.Runs,
		Timeout: defaults.Timeout,
		Retries: defaults.Retries,
		Marks:   map[string]string{},
		Tags:    map[string]string{},
	}
}

// Load reads the config file at path. An empty path only applies defaults and
// RAPTOR_ prefixed environment overrides.
func Load(path string) (*File, error) {
	defaults := Default()

	v := viper.New()
	v.SetDefault("runs", defaults.Runs)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("retries", defaults.Retries)
	v.SetDefault("apps", []string{})
	v.SetDefault("marks", map[string]string{})
	v.SetDefault("tags", map[string]string{})
	v.SetDefault("pushgateway.url", "")
	v.SetDefault("pushgateway.job", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if f.Marks == nil {
		f.Marks = map[string]string{}
	}
	if f.Tags == nil {
		f.Tags = map[string]string{}
	}
	return &f, nil
}

// Options converts the file into phase options. Tags are merged over the descriptors.
func (f *File) Options(descriptors map[string]string) phase.Options {
	opts := phase.DefaultOptions()
	opts.Runs = f.Runs
	opts.Timeout = f.Timeout
	opts.Retries = f.Retries
	opts.Tags = lo.Assign(descriptors, f.Tags)
	for key, name := range f.Marks {
		opts.Marks[phase.MarkKey(key)] = name
	}
	return opts
}

// LoadEnv loads a .env file into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func LoadEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ResolveTargets returns the targets to test. A single app wins over a list of apps,
// which wins over the configured targets.
func ResolveTargets(app string, apps []string, configured []string) []string {
	if app = strings.TrimSpace(app); app != "" {
		return []string{app}
	}
	if apps = cleanList(apps); len(apps) > 0 {
		return apps
	}
	return cleanList(configured)
}

// SplitList splits a comma separated list, dropping empty items
func SplitList(s string) []string {
	return cleanList(strings.Split(s, ","))
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Descriptor maps an environment variable onto the tag it is reported as
type Descriptor struct {
	Env string
	Tag string
}

var descriptors = []Descriptor{
	{Env: "DEVICE_TYPE", Tag: "device"},
	{Env: "MEMORY", Tag: "memory"},
	{Env: "BRANCH", Tag: "branch"},
	{Env: "BUILD_REVISION", Tag: "revision"},
	{Env: "GAIA_REVISION", Tag: "gaiaRevision"},
	{Env: "GECKO_REVISION", Tag: "geckoRevision"},
}

// KnownDescriptors returns the environment variables reported with every point
func KnownDescriptors() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}

// Descriptors reads the environment descriptors through lookup (os.LookupEnv when nil).
// Unset or empty variables are left out.
func Descriptors(lookup func(string) (string, bool)) map[string]string {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	tags := make(map[string]string)
	for _, d := range descriptors {
		if value, ok := lookup(d.Env); ok && value != "" {
			tags[d.Tag] = value
		}
	}
	return tags
}
