// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultSettleDelayMillis    = 500
	defaultRescanTimeoutSeconds = 10
	defaultStorageFile          = "marmot.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Storage is the record store configuration.
type Storage struct {
	// File is the path of the record store database.
	File string
}

func (sCfg *Storage) fixup() {
	if sCfg.File == "" {
		sCfg.File = defaultStorageFile
	}
}

// Debug is the debug configuration.
type Debug struct {
	// SettleDelayMillis is the pause in milliseconds between
	// publishing a commit and the welcome depending on it.
	SettleDelayMillis int

	// RescanTimeoutSeconds is the per-relay hard timeout for
	// historical welcome rescans.
	RescanTimeoutSeconds int
}

func (dCfg *Debug) fixup() {
	if dCfg.SettleDelayMillis == 0 {
		dCfg.SettleDelayMillis = defaultSettleDelayMillis
	}
	if dCfg.RescanTimeoutSeconds == 0 {
		dCfg.RescanTimeoutSeconds = defaultRescanTimeoutSeconds
	}
}

// Config is the top-level configuration.
type Config struct {
	// Relays are the relay URLs to maintain connections to.
	Relays []string

	Logging *Logging
	Storage *Storage
	Debug   *Debug
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Storage.fixup()
	cfg.Debug.fixup()

	if len(cfg.Relays) == 0 {
		return errors.New("config: no relays configured")
	}
	for _, u := range cfg.Relays {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("config: relay URL '%v' is not a websocket URL", u)
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
