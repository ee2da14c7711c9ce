package sync

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"path"
)

//go:embed config/*.yaml
var embeddedConfig embed.FS

type ConfigFile struct {
	Name   string
	Reader io.Reader
	Length int
}

type EmbeddedConfig struct {
	Root  string
	Files EmbeddedFS
}

type EmbeddedFS interface {
	ReadFile(name string) ([]byte, error)
}

// DefaultEmbeddedConfig returns the config files compiled into the package.
func DefaultEmbeddedConfig() EmbeddedConfig {
	return EmbeddedConfig{Root: "config", Files: embeddedConfig}
}

func (ec EmbeddedConfig) MustFindRootConfigFile(filename string) (ConfigFile, error) {
	var result ConfigFile
	name := path.Join(ec.Root, filename)
	b, err := ec.Files.ReadFile(name)
	if err == nil {
		result = ConfigFileFromBytes(name, b)
	}
	return result, err
}

func (ec EmbeddedConfig) MustFindDefaultsConfigFile() (ConfigFile, error) {
	return ec.MustFindRootConfigFile("defaults.yaml")
}

func ConfigFileFromBytes(name string, b []byte) ConfigFile {
	return ConfigFile{Name: name, Reader: bytes.NewReader(b), Length: len(b)}
}

// ConfigFileFromPath reads an operator supplied config file from disk.
func ConfigFileFromPath(p string) (ConfigFile, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return ConfigFile{}, fmt.Errorf("failed to read config file %s %w", p, err)
	}
	return ConfigFileFromBytes(p, b), nil
}
