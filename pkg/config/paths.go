package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvConfig = "PICOAVATAR_CONFIG"
	EnvHome   = "PICOAVATAR_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	LogDir     string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvHome)))
	if homeDir == "" {
		homeDir = defaultHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".picoavatar"
	}
	return filepath.Join(home, ".picoavatar")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		LogDir:     filepath.Join(homeDir, "logs"),
	}
}
