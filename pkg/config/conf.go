// Package config reads and writes the txguard defaults file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "config.yaml"

	dirMode  = 0700
	fileMode = 0600

	PortDefault = 8080
)

// Training holds the defaults of the training pipeline.
type Training struct {
	DataPath      string  `yaml:"dataPath"`
	ModelsDir     string  `yaml:"modelsDir"`
	MaxSizeMB     int     `yaml:"maxSizeMB"`
	Estimators    int     `yaml:"estimators"`
	MaxSamples    int     `yaml:"maxSamples"`
	Contamination float64 `yaml:"contamination"`
	Seed          uint64  `yaml:"seed"`
}

// Server holds the defaults of the prediction server and batch scoring.
type Server struct {
	Port       int    `yaml:"port"`
	ModelsDir  string `yaml:"modelsDir"`
	BatchLimit int    `yaml:"batchLimit"`
	SampleSeed uint64 `yaml:"sampleSeed"`
}

// Config represents the app config file.
type Config struct {
	Training Training `yaml:"training"`
	Server   Server   `yaml:"server"`
}

// Default returns the built in defaults.
func Default() *Config {
	return &Config{
		Training: Training{
			DataPath:      "data/transactions.csv",
			ModelsDir:     "models",
			MaxSizeMB:     100,
			Estimators:    100,
			MaxSamples:    256,
			Contamination: 0.002,
			Seed:          42,
		},
		Server: Server{
			Port:       PortDefault,
			ModelsDir:  "models",
			BatchLimit: 15000,
			SampleSeed: 42,
		},
	}
}

// Save writes c to the config file in dirPath.
func Save(dirPath string, c *Config) error {
	if dirPath == "" {
		return errors.New("config directory required")
	}
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(dirPath, FileName)
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// ReadOrCreate reads app config from directory or creates a new one with defaults.
func ReadOrCreate(dirPath string) (*Config, error) {
	if dirPath == "" {
		return nil, errors.New("config directory required")
	}

	if err := os.MkdirAll(dirPath, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create dir %s: %w", dirPath, err)
	}

	path := filepath.Join(dirPath, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating default config", "path", path)
		if err := Save(dirPath, Default()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	return Read(path)
}

// Read parses the config file at path. Values missing from the file keep
// their defaults.
func Read(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("error unmarshalling config file %s: %w", path, err)
	}
	return c, nil
}

// GetOrCreateHomeDir returns the named directory under the user home.
// The created flag is set to true if the directory was created.
func GetOrCreateHomeDir(name string) (path string, created bool, err error) {
	if name == "" {
		return "", false, errors.New("name cannot be empty")
	}

	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("failed to get user home dir: %w", err)
	}

	dir := filepath.Join(home, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dir)
		if err := os.Mkdir(dir, dirMode); err != nil {
			return "", false, fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
		created = true
	}
	return dir, created, nil
}
