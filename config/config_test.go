// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
Relays = [ "wss://relay.example", "ws://127.0.0.1:8080" ]
`))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("marmot.db", cfg.Storage.File)
	require.Equal(500, cfg.Debug.SettleDelayMillis)
	require.Equal(10, cfg.Debug.RescanTimeoutSeconds)
}

func TestLoadFull(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
Relays = [ "wss://relay.example" ]

[Logging]
  Level = "debug"
  File = "/tmp/marmot.log"

[Storage]
  File = "/var/lib/marmot/state.db"

[Debug]
  SettleDelayMillis = 50
  RescanTimeoutSeconds = 3
`))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("/var/lib/marmot/state.db", cfg.Storage.File)
	require.Equal(50, cfg.Debug.SettleDelayMillis)
	require.Equal(3, cfg.Debug.RescanTimeoutSeconds)
}

func TestLoadRejectsInvalid(t *testing.T) {
	assert := assert.New(t)

	_, err := Load([]byte(``))
	assert.Error(err, "no relays")

	_, err = Load([]byte(`Relays = [ "https://relay.example" ]`))
	assert.Error(err, "non-websocket relay URL")

	_, err = Load([]byte(`
Relays = [ "wss://relay.example" ]
[Logging]
  Level = "verbose"
`))
	assert.Error(err, "bogus log level")

	_, err = Load([]byte(`{ not toml`))
	assert.Error(err)
}
