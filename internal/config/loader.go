package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment override, as in
// TRACERY_SERVER_PORT for server.port.
const DefaultEnvPrefix = "TRACERY"

// searchDirs are tried in order for tracery.yaml when no file is named.
var searchDirs = []string{".", "$HOME/.config/tracery", "/etc/tracery"}

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

// Load layers defaults, the config file and environment variables, in that
// order of precedence from lowest, then validates the result.
func Load(opts LoadOptions) (*Config, error) {
	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}

	v := viper.New()
	registerDefaults(v, "", reflect.ValueOf(*defaults))

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("tracery")
		v.SetConfigType("yaml")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvReferences(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

// registerDefaults walks the mapstructure tags of val and registers every
// leaf, so AutomaticEnv can override keys that never appear in a file.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		tag, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if fv := val.Field(i); fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
		} else {
			v.SetDefault(key, fv.Interface())
		}
	}
}

// expandEnvReferences replaces ${VAR} and ${VAR:-fallback} inside string
// values. An unset variable without a fallback expands to nothing.
func expandEnvReferences(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		switch val := v.Get(key).(type) {
		case string:
			if strings.Contains(val, "${") {
				v.Set(key, expandEnv(val))
			}
		case []any:
			out := make([]any, len(val))
			for i, item := range val {
				if s, ok := item.(string); ok && strings.Contains(s, "${") {
					item = expandEnv(s)
				}
				out[i] = item
			}
			v.Set(key, out)
		}
	}
}

func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, _ := strings.Cut(ref, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		return fallback
	})
}
