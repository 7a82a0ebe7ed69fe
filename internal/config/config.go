// Package config loads the pipeline's runtime configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config represents the pipeline configuration. Values are loaded once at
// startup; the write-scope policy lives in its own file (see internal/scope).
type Config struct {
	TargetDir        string   `json:"target_dir"`
	LedgerPath       string   `json:"ledger_path"`
	ManifestPath     string   `json:"manifest_path"`
	BackupDir        string   `json:"backup_dir"`
	SandboxParent    string   `json:"sandbox_parent"`
	StaleSandboxSecs int      `json:"stale_sandbox_seconds"`
	SandboxOnly      bool     `json:"sandbox_only"`
	ConfineSandbox   bool     `json:"confine_sandbox"`
	LinkDirs         []string `json:"link_dirs,omitempty"`
	ExcludeDirs      []string `json:"exclude_dirs,omitempty"`
	LogLevel         string   `json:"log_level"`
	LogPath          string   `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
			return filepath.Join(xdg, "patchward")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "patchward")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "patchward")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "patchward")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "patchward")
	}
}

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Default returns a configuration with sane defaults rooted in dir.
func Default(dir string) *Config {
	stateDir := defaultConfigDir()
	return &Config{
		TargetDir:        dir,
		LedgerPath:       filepath.Join(stateDir, "ledger.db"),
		ManifestPath:     filepath.Join(stateDir, "manifest.jsonl"),
		BackupDir:        filepath.Join(stateDir, "backups"),
		SandboxParent:    filepath.Join(os.TempDir(), "patchward"),
		StaleSandboxSecs: int((6 * time.Hour).Seconds()),
		SandboxOnly:      true,
		ConfineSandbox:   true,
		ExcludeDirs:      []string{".git", "node_modules", "vendor", "__pycache__", ".venv", "target", "dist"},
		LogLevel:         "info",
		LogPath:          filepath.Join(stateDir, "patchward.log"),
	}
}

// Load reads a config file, falling back to defaults for a missing file or
// missing fields. The working directory seeds TargetDir when unset.
func Load(path string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cfg := Default(cwd)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyFallbacks(cwd)
	return cfg, nil
}

func (c *Config) applyFallbacks(cwd string) {
	base := Default(cwd)
	if c.TargetDir == "" {
		c.TargetDir = base.TargetDir
	}
	if c.LedgerPath == "" {
		c.LedgerPath = base.LedgerPath
	}
	if c.ManifestPath == "" {
		c.ManifestPath = base.ManifestPath
	}
	if c.BackupDir == "" {
		c.BackupDir = base.BackupDir
	}
	if c.SandboxParent == "" {
		c.SandboxParent = base.SandboxParent
	}
	if c.StaleSandboxSecs <= 0 {
		c.StaleSandboxSecs = base.StaleSandboxSecs
	}
	if len(c.ExcludeDirs) == 0 {
		c.ExcludeDirs = base.ExcludeDirs
	}
	if c.LogLevel == "" {
		c.LogLevel = base.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = base.LogPath
	}
}

// StaleSandboxAge returns the configured stale-workspace age.
func (c *Config) StaleSandboxAge() time.Duration {
	return time.Duration(c.StaleSandboxSecs) * time.Second
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
