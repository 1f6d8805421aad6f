package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hbomb79/Siphon/internal/api"
	"github.com/hbomb79/Siphon/internal/database"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/fetch"
	"github.com/hbomb79/Siphon/internal/muxer"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

const SIPHON_USER_DIR_SUFFIX = "siphon"

// SiphonConfig is the struct used to contain the
// various user config supplied by file (YAML) and/or
// environment variables.
type SiphonConfig struct {
	Database    database.DatabaseConfig `yaml:"database"`
	Download    download.Config         `yaml:"download"`
	Fetch       fetch.Config            `yaml:"fetch"`
	Muxer       muxer.Config            `yaml:"muxer"`
	RestConfig  api.RestConfig          `yaml:"api"`
	Cookies     []fetch.CookieConfig    `yaml:"cookies"`
	DataDirPath string                  `yaml:"data_dir" env:"DATA_DIR"`
}

// LoadFromFile reads the YAML configuration file at the path provided
// in to the config, with environment variables taking precedence.
func (config *SiphonConfig) LoadFromFile(configPath string) error {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	if err := cleanenv.ReadConfig(path, config); err != nil {
		return fmt.Errorf("failed to load configuration - %w", err)
	}

	return config.resolvePaths()
}

// LoadFromEnv populates the config using only environment variables and the
// declared defaults.
func (config *SiphonConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment - %w", err)
	}

	return config.resolvePaths()
}

// resolvePaths expands any home-relative paths and derives the temporary and
// output directories from the data directory when they are not set explicitly.
func (config *SiphonConfig) resolvePaths() error {
	dataDir, err := config.getDataDir()
	if err != nil {
		return err
	}
	config.DataDirPath = dataDir

	for _, p := range []*string{&config.Fetch.TempDir, &config.Fetch.OutputDir} {
		if *p == "" {
			continue
		}

		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", *p, err)
		}
		*p = expanded
	}

	if config.Fetch.TempDir == "" {
		config.Fetch.TempDir = filepath.Join(dataDir, "tmp")
	}
	if config.Fetch.OutputDir == "" {
		config.Fetch.OutputDir = filepath.Join(dataDir, "videos")
	}

	return nil
}

// getDataDir returns the directory used to store Siphon's files. The configured
// value is used if present, otherwise a directory inside the user's data
// directory is derived.
func (config *SiphonConfig) getDataDir() (string, error) {
	if config.DataDirPath != "" {
		return homedir.Expand(config.DataDirPath)
	}

	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, SIPHON_USER_DIR_SUFFIX), nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to derive data directory: %w", err)
	}

	return filepath.Join(home, "."+SIPHON_USER_DIR_SUFFIX), nil
}
