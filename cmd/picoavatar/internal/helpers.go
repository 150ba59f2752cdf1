package internal

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sipeed/picoavatar/pkg/config"
	"github.com/sipeed/picoavatar/pkg/logger"
)

const Logo = "🗣️"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath honours PICOAVATAR_CONFIG and PICOAVATAR_HOME before
// falling back to ~/.picoavatar/config.json.
func GetConfigPath() string {
	return config.ResolveRuntimePaths().ConfigPath
}

// LoadConfig reads the config and applies its logging section.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) error {
	if lvl := strings.TrimSpace(lc.Level); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}
	logger.ConfigureRedaction(lc.Redaction)
	if lc.File != "" {
		return logger.EnableFileLogging(lc.File)
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
