package sync

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigPathEnvVar names the env var holding an optional YAML file layered over the defaults.
const ConfigPathEnvVar = "DESK2CRM_CONFIG_PATH"

// SecretsEnvVar names an optional env var holding all settings as one JSON object.
const SecretsEnvVar = "DESK2CRM_SECRETS"

type CompositeEnvVar interface {
	LookupEnv(child string) (string, bool)
}

type OSEnvVar struct{}

func (OSEnvVar) LookupEnv(child string) (string, bool) {
	return os.LookupEnv(child)
}

// JSONCompositeEnvVar reads settings from a JSON object stored in the Parent env var,
// falling back to the process environment for keys the object does not hold.
type JSONCompositeEnvVar struct {
	Parent string
}

func (c JSONCompositeEnvVar) LookupEnv(child string) (string, bool) {
	if c.Parent != "" {
		s := os.Getenv(c.Parent)
		if s != "" {
			m := make(map[string]string)
			err := json.Unmarshal([]byte(s), &m)
			if err == nil {
				if v, exists := m[child]; exists {
					return v, true
				}
			}
		}
	}
	return os.LookupEnv(child)
}

// MapEnvVar serves settings from a fixed map.
type MapEnvVar map[string]string

func (m MapEnvVar) LookupEnv(child string) (string, bool) {
	v, ok := m[child]
	return v, ok
}

type configOptions struct {
	envVar     CompositeEnvVar
	files      []ConfigFile
	skipEnv    bool
	noValidate bool
}

// ConfigOption is a functional option for LoadConfigFromEnvironment.
type ConfigOption func(*configOptions)

// ConfigWithEnvVar replaces the env var lookup used to expand ${VAR:default} placeholders.
func ConfigWithEnvVar(compev CompositeEnvVar) ConfigOption {
	return func(o *configOptions) {
		o.envVar = compev
	}
}

// ConfigWithFile layers an extra file over the defaults and any DESK2CRM_CONFIG_PATH file.
func ConfigWithFile(f ConfigFile) ConfigOption {
	return func(o *configOptions) {
		o.files = append(o.files, f)
	}
}

// ConfigWithoutConfigPath ignores DESK2CRM_CONFIG_PATH.
func ConfigWithoutConfigPath() ConfigOption {
	return func(o *configOptions) {
		o.skipEnv = true
	}
}

// ConfigWithoutValidation skips struct validation, the healthcheck reports problems instead.
func ConfigWithoutValidation() ConfigOption {
	return func(o *configOptions) {
		o.noValidate = true
	}
}

func LoadConfigFromEnvironment(opts ...ConfigOption) (Config, error) {
	mustBeInitialised()

	var options configOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.envVar == nil {
		if _, ok := os.LookupEnv(SecretsEnvVar); ok {
			options.envVar = JSONCompositeEnvVar{Parent: SecretsEnvVar}
		} else {
			options.envVar = OSEnvVar{}
		}
	}

	var result Config
	defaultsFile, err := DefaultEmbeddedConfig().MustFindDefaultsConfigFile()
	if err != nil {
		return result, fmt.Errorf("failed to read defaults config file %w", err)
	}
	files := []ConfigFile{defaultsFile}

	if !options.skipEnv {
		if p, ok := options.envVar.LookupEnv(ConfigPathEnvVar); ok && p != "" {
			f, err := ConfigFileFromPath(p)
			if err != nil {
				return result, err
			}
			files = append(files, f)
		}
	}
	files = append(files, options.files...)

	result, err = YAMLConfigUnmarshaler{}.Unmarshal(options.envVar, files...)
	if err != nil {
		return result, fmt.Errorf("failed to load config %w", err)
	}
	if !options.noValidate {
		if err = result.Validate(); err != nil {
			return result, err
		}
	}
	return result, nil
}
