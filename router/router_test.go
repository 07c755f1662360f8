// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openchat/marmot/core/log"
	"github.com/openchat/marmot/relay"
	"github.com/openchat/marmot/wire"
)

func testRouter(t *testing.T) (*Router, chan *relay.RawFrame) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	frames := make(chan *relay.RawFrame, 16)
	r := New(backend, frames)
	t.Cleanup(r.Halt)
	return r, frames
}

func signedEvent(t *testing.T, kind int, content string) *wire.Event {
	seed := sha256.Sum256([]byte("router test key"))
	signer, err := wire.NewSchnorrSigner(hex.EncodeToString(seed[:]))
	require.NoError(t, err)
	ev := &wire.Event{
		Kind:      kind,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(signer))
	return ev
}

func eventFrame(t *testing.T, ev *wire.Event) []byte {
	raw, err := wire.EventFrame(ev)
	require.NoError(t, err)
	// Inbound EVENT frames carry a subscription ID.
	return append([]byte(`["EVENT","sub1",`), raw[len(`["EVENT",`):]...)
}

func receive(t *testing.T, ch <-chan *wire.Event) *wire.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for routed event")
		return nil
	}
}

func TestRouteByKind(t *testing.T) {
	require := require.New(t)
	r, frames := testRouter(t)

	kinds := map[int]func() <-chan *wire.Event{
		wire.KindMetadata:     r.Metadata,
		wire.KindKeyPackage:   r.KeyPackages,
		wire.KindWelcome:      r.Welcomes,
		wire.KindGroupMessage: r.GroupMessages,
	}
	for kind, stream := range kinds {
		ev := signedEvent(t, kind, "payload")
		frames <- &relay.RawFrame{URL: "wss://relay.example", Data: eventFrame(t, ev)}
		got := receive(t, stream())
		require.Equal(ev.ID, got.ID)
		require.Equal(kind, got.Kind)
	}
}

func TestInvalidEventsAreDropped(t *testing.T) {
	require := require.New(t)
	r, frames := testRouter(t)

	// Carried ID does not match the canonical serialization.
	badID := signedEvent(t, wire.KindWelcome, "payload")
	badID.Content = "tampered"
	frames <- &relay.RawFrame{URL: "wss://a", Data: eventFrame(t, badID)}

	// Valid ID, corrupted signature.
	badSig := signedEvent(t, wire.KindWelcome, "payload")
	sigRaw, err := hex.DecodeString(badSig.Sig)
	require.NoError(err)
	sigRaw[0] ^= 0x01
	badSig.Sig = hex.EncodeToString(sigRaw)
	frames <- &relay.RawFrame{URL: "wss://a", Data: eventFrame(t, badSig)}

	// Garbage frame.
	frames <- &relay.RawFrame{URL: "wss://a", Data: []byte("not json")}

	// Frames are routed in order, so receiving the valid event
	// proves everything before it was dropped.
	good := signedEvent(t, wire.KindWelcome, "good payload")
	frames <- &relay.RawFrame{URL: "wss://a", Data: eventFrame(t, good)}
	got := receive(t, r.Welcomes())
	require.Equal(good.ID, got.ID)

	select {
	case ev := <-r.Welcomes():
		t.Fatalf("unexpected event %s", ev.ID)
	default:
	}
}

func TestRelayNotifications(t *testing.T) {
	require := require.New(t)
	r, frames := testRouter(t)

	frames <- &relay.RawFrame{URL: "wss://a", Data: []byte(`["OK","00ff",true,""]`)}
	frames <- &relay.RawFrame{URL: "wss://a", Data: []byte(`["EOSE","sub1"]`)}

	select {
	case f := <-r.RelayNotifications():
		require.Equal(wire.FrameOK, f.Type)
		require.True(f.Accepted)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	select {
	case f := <-r.RelayNotifications():
		require.Equal(wire.FrameEOSE, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
