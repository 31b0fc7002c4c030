package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns dircopy default paths, checking environment variables first.
// Environment variables:
//   - DC_CONFIG_PATH: config file location (default: ~/.config/dircopy.toml)
//   - DC_HOME: base directory for dircopy data (default: ~/.local/share/dircopy)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking DC_CONFIG_PATH env var first,
// then falling back to the default ~/.config/dircopy.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("DC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dircopy.toml"), nil
}

// getBaseDir returns the base directory for dircopy data, checking DC_HOME env var first,
// then falling back to the XDG default ~/.local/share/dircopy.
func getBaseDir() (string, error) {
	if path := os.Getenv("DC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "dircopy"), nil
}
