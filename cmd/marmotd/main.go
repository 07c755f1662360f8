// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// marmotd runs the group-messaging engine as a standalone daemon,
// printing every engine event to stdout.  It uses the in-memory
// development encryption engine and is meant for protocol development
// against real relays, not for production use.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openchat/marmot/chat"
	"github.com/openchat/marmot/config"
	"github.com/openchat/marmot/core/log"
	"github.com/openchat/marmot/mls/memengine"
	"github.com/openchat/marmot/relay"
	"github.com/openchat/marmot/router"
	"github.com/openchat/marmot/storage"
	"github.com/openchat/marmot/wire"
)

func main() {
	cfgFile := ""
	keyFile := ""

	cmd := &cobra.Command{
		Use:   "marmotd",
		Short: "marmotd is the openchat group-messaging daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgFile, keyFile)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "marmotd.toml", "configuration file path")
	cmd.Flags().StringVarP(&keyFile, "key", "k", "marmotd.key", "identity key file path (created if missing)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgFile, keyFile string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %v", err)
	}

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("log: %v", err)
	}
	logger := backend.GetLogger("marmotd")

	signer, err := loadOrCreateSigner(keyFile)
	if err != nil {
		return fmt.Errorf("identity key: %v", err)
	}
	logger.Noticef("identity: %s", signer.PublicKey())
	logger.Warningf("using the in-memory development encryption engine")

	store, err := storage.New(cfg.Storage.File)
	if err != nil {
		return fmt.Errorf("storage: %v", err)
	}
	defer store.Close()

	pool := relay.NewPool(backend)
	rt := router.New(backend, pool.Frames())

	client, err := chat.New(backend, &chat.Config{
		Signer:        signer,
		Crypto:        memengine.New(signer.PublicKey()),
		Store:         store,
		Publisher:     pool,
		Streams:       routerStreams(rt, pool),
		Relays:        cfg.Relays,
		SettleDelay:   time.Duration(cfg.Debug.SettleDelayMillis) * time.Millisecond,
		RescanTimeout: time.Duration(cfg.Debug.RescanTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("chat: %v", err)
	}

	pool.Connect(cfg.Relays)
	client.Start()

	// Announce our key package so other clients can invite us.
	if err := client.PublishKeyPackage(); err != nil {
		logger.Warningf("failed to publish key package: %v", err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-haltCh:
			logger.Noticef("received %v, shutting down", sig)
			client.Shutdown()
			rt.Halt()
			pool.Disconnect()
			return nil
		case ev, ok := <-client.EventSink:
			if !ok {
				return nil
			}
			fmt.Println(ev)
		}
	}
}

func routerStreams(rt *router.Router, pool *relay.Pool) *chat.Streams {
	return &chat.Streams{
		Metadata:      rt.Metadata(),
		KeyPackages:   rt.KeyPackages(),
		Welcomes:      rt.Welcomes(),
		GroupMessages: rt.GroupMessages(),
		Status:        pool.StatusEvents(),
	}
}

// loadOrCreateSigner reads the hex private key from keyFile, creating
// a fresh key on first run.
func loadOrCreateSigner(keyFile string) (*wire.SchnorrSigner, error) {
	raw, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		return wire.NewSchnorrSigner(strings.TrimSpace(string(raw)))
	case os.IsNotExist(err):
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		keyHex := hex.EncodeToString(key)
		if err := os.WriteFile(keyFile, []byte(keyHex+"\n"), 0o600); err != nil {
			return nil, err
		}
		return wire.NewSchnorrSigner(keyHex)
	default:
		return nil, err
	}
}
