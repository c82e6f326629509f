// Package utils contains the file logger and filesystem path helpers used
// throughout deploywatch.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves filesystem locations used by deploywatch.
type Paths struct {
	RootPath string `json:"root_path"`
}

// NewPaths constructs Paths rooted at the specified directory.
func NewPaths(rootPath string) *Paths {
	return &Paths{RootPath: rootPath}
}

// DefaultRoot is the per-user data directory, falling back to a temp
// directory when the user config dir cannot be determined.
func DefaultRoot() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "deploywatch")
	}
	return filepath.Join(os.TempDir(), "deploywatch")
}

// LogsDir returns the logs directory.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.RootPath, "logs")
}

// ConfigDir returns the configuration directory.
func (p *Paths) ConfigDir() string {
	return p.RootPath
}

// LogFile returns the main log file path.
func (p *Paths) LogFile() string {
	return filepath.Join(p.LogsDir(), "deploywatch.log")
}

// ConfigFile returns the default config file path.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir(), "deploywatch.yaml")
}

// EnsureDirs creates the directory structure (idempotent).
func (p *Paths) EnsureDirs(logger *Logger) error {
	for _, dir := range []string{p.RootPath, p.LogsDir()} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if logger != nil {
			logger.Write(fmt.Sprintf("Creating path: %s", dir))
		}
	}
	return nil
}
