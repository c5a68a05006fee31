// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/joyi-ai/stella-selfmod/pkg/logging"
	selfmod "github.com/joyi-ai/stella-selfmod/services/selfmod"
)

// CLIConfig is the optional on-disk configuration, read from
// {app_data}/selfmod.yaml. Flags override file values.
type CLIConfig struct {
	// ProjectRoot is the application install to guard. Defaults to the
	// current working directory.
	ProjectRoot string `yaml:"project_root"`

	// AppDataRoot holds state, pack bundles, and logs. Defaults to
	// ~/.stella.
	AppDataRoot string `yaml:"app_data_root"`

	// BackendURL is the Stella backend root. Empty runs offline.
	BackendURL string `yaml:"backend_url"`

	// DeviceID overrides the key-derived device identity.
	DeviceID string `yaml:"device_id"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON switches stderr logs to JSON.
	LogJSON bool `yaml:"log_json"`
}

// loadCLIConfig resolves the effective configuration: defaults, then the
// YAML file if present, then command-line flags.
func loadCLIConfig() (CLIConfig, error) {
	cfg := CLIConfig{}

	appData := flagAppData
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve home directory: %w", err)
		}
		appData = filepath.Join(home, ".stella")
	}
	cfg.AppDataRoot = appData

	data, err := os.ReadFile(filepath.Join(appData, "selfmod.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse selfmod.yaml: %w", err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read selfmod.yaml: %w", err)
	}

	// Flags win over the file.
	if flagAppData != "" {
		cfg.AppDataRoot = flagAppData
	}
	if flagProjectRoot != "" {
		cfg.ProjectRoot = flagProjectRoot
	}
	if flagBackendURL != "" {
		cfg.BackendURL = flagBackendURL
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.ProjectRoot = wd
	}

	if cfg.ProjectRoot, err = filepath.Abs(cfg.ProjectRoot); err != nil {
		return cfg, fmt.Errorf("resolve project root: %w", err)
	}
	if cfg.AppDataRoot, err = filepath.Abs(cfg.AppDataRoot); err != nil {
		return cfg, fmt.Errorf("resolve app data root: %w", err)
	}
	return cfg, nil
}

// buildCore assembles the logger and the subsystem for one command
// invocation. The caller owns both returned closers.
func buildCore() (*selfmod.Core, *logging.Logger, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  filepath.Join(cfg.AppDataRoot, "logs"),
		Service: "selfmod",
		JSON:    cfg.LogJSON,
		Quiet:   flagQuiet,
	})

	core, err := selfmod.NewCore(selfmod.Config{
		ProjectRoot: cfg.ProjectRoot,
		AppDataRoot: cfg.AppDataRoot,
		DeviceID:    cfg.DeviceID,
		BackendURL:  cfg.BackendURL,
		Logger:      logger.Slog(),
	})
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return core, logger, nil
}
