// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openchat/marmot/core/log"
	"github.com/openchat/marmot/mls/memengine"
	"github.com/openchat/marmot/relay"
	"github.com/openchat/marmot/storage"
	"github.com/openchat/marmot/wire"
)

// fakePublisher records everything the client publishes and
// subscribes, in order.
type fakePublisher struct {
	sync.Mutex
	frames [][]byte
	subs   map[string][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{subs: make(map[string][]byte)}
}

func (p *fakePublisher) Publish(frame []byte) {
	p.Lock()
	defer p.Unlock()
	p.frames = append(p.frames, frame)
}

func (p *fakePublisher) Subscribe(subID string, frame []byte) {
	p.Lock()
	defer p.Unlock()
	p.subs[subID] = frame
}

// publishedEvents decodes the recorded outbound EVENT frames, in
// publish order.
func (p *fakePublisher) publishedEvents(t *testing.T) []*wire.Event {
	p.Lock()
	defer p.Unlock()
	var events []*wire.Event
	for _, frame := range p.frames {
		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(frame, &arr))
		require.Len(t, arr, 2)
		ev := new(wire.Event)
		require.NoError(t, json.Unmarshal(arr[1], ev))
		events = append(events, ev)
	}
	return events
}

type harness struct {
	client    *Client
	pub       *fakePublisher
	store     *storage.Store
	signer    *wire.SchnorrSigner
	closeOnce sync.Once

	metadataCh chan *wire.Event
	kpCh       chan *wire.Event
	welcomeCh  chan *wire.Event
	groupCh    chan *wire.Event
	statusCh   chan *relay.StatusEvent
}

func signerFromSeed(t *testing.T, seed string) *wire.SchnorrSigner {
	digest := sha256.Sum256([]byte(seed))
	signer, err := wire.NewSchnorrSigner(hex.EncodeToString(digest[:]))
	require.NoError(t, err)
	return signer
}

func newHarness(t *testing.T, seed, dbPath string) *harness {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	h := &harness{
		pub:        newFakePublisher(),
		signer:     signerFromSeed(t, seed),
		metadataCh: make(chan *wire.Event),
		kpCh:       make(chan *wire.Event),
		welcomeCh:  make(chan *wire.Event),
		groupCh:    make(chan *wire.Event),
		statusCh:   make(chan *relay.StatusEvent),
	}
	h.store, err = storage.New(dbPath)
	require.NoError(t, err)

	h.client, err = New(backend, &Config{
		Signer:    h.signer,
		Crypto:    memengine.New(h.signer.PublicKey()),
		Store:     h.store,
		Publisher: h.pub,
		Streams: &Streams{
			Metadata:      h.metadataCh,
			KeyPackages:   h.kpCh,
			Welcomes:      h.welcomeCh,
			GroupMessages: h.groupCh,
			Status:        h.statusCh,
		},
		Relays:        []string{"wss://relay.example"},
		SettleDelay:   time.Millisecond,
		RescanTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	h.client.Start()
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.closeOnce.Do(func() {
		h.client.Shutdown()
		h.store.Close()
	})
}

// sync waits until the worker has finished handling everything fed to
// the stream channels so far.  Stream channels are unbuffered, so
// once an operation completes, all earlier stream sends have been
// fully handled.
func (h *harness) sync(t *testing.T) {
	_, err := h.client.Chats()
	require.NoError(t, err)
}

func nextEvent(t *testing.T, c *Client) Event {
	select {
	case ev, ok := <-c.EventSink:
		require.True(t, ok, "event sink closed")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func signedKeyPackage(t *testing.T, signer *wire.SchnorrSigner) *wire.Event {
	ev := &wire.Event{
		Kind:      wire.KindKeyPackage,
		CreatedAt: time.Now().Unix(),
		Tags: [][]string{
			{wire.TagEncoding, "hex"},
			{wire.TagCiphersuite, "0x0001"},
			{wire.TagProtocolVersion, "1.0"},
		},
		Content: strings.Repeat("ab", 64),
	}
	require.NoError(t, ev.Sign(signer))
	return ev
}

func signedWelcome(t *testing.T, signer *wire.SchnorrSigner, recipient string, groupID, welcome []byte) *wire.Event {
	ev := &wire.Event{
		Kind:      wire.KindWelcome,
		CreatedAt: time.Now().Unix(),
		Tags: [][]string{
			{wire.TagRecipient, recipient},
			{wire.TagGroup, hex.EncodeToString(groupID)},
			{wire.TagRelays, "wss://relay.example"},
		},
		Content: base64.StdEncoding.EncodeToString(welcome),
	}
	require.NoError(t, ev.Sign(signer))
	return ev
}

func TestCreateGroupAndSendMessage(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))

	chat, err := h.client.CreateGroup("ops")
	require.NoError(err)
	require.NotEmpty(chat.GroupID)
	require.Equal(storage.ChatTypeGroup, chat.Type)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))

	// Creating the first group registers the group subscription.
	h.pub.Lock()
	_, ok := h.pub.subs["groups"]
	h.pub.Unlock()
	require.True(ok)

	require.NoError(h.client.SendMessage(chat.ID, []byte("hello")))
	sent := nextEvent(t, h.client)
	require.IsType(&MessageSentEvent{}, sent)
	require.Equal(chat.ID, sent.(*MessageSentEvent).ChatID)

	events := h.pub.publishedEvents(t)
	require.Len(events, 1)
	ev := events[0]
	require.Equal(wire.KindGroupMessage, ev.Kind)
	require.Equal(hex.EncodeToString(chat.GroupID), ev.GroupID())
	require.NoError(ev.VerifyID())
	require.NoError(wire.CheckSignature(ev))

	msgs, err := h.client.Messages(chat.ID)
	require.NoError(err)
	require.Len(msgs, 1)
	require.True(msgs[0].Outbound)
	require.Equal("hello", msgs[0].Content)

	// Crypto state is persisted after every mutating call.
	_, err = h.store.GroupState(chat.GroupID)
	require.NoError(err)
}

func TestInviteMemberPublishesCommitBeforeWelcome(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))
	bob := signerFromSeed(t, "bob")

	chat, err := h.client.CreateGroup("ops")
	require.NoError(err)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))

	require.Error(h.client.InviteMember(chat.ID, bob.PublicKey()))

	kp := signedKeyPackage(t, bob)
	h.kpCh <- kp
	h.sync(t)

	require.NoError(h.client.InviteMember(chat.ID, bob.PublicKey()))
	require.IsType(&ChatUpdatedEvent{}, nextEvent(t, h.client))

	events := h.pub.publishedEvents(t)
	require.Len(events, 2)
	commit, welcome := events[0], events[1]
	require.Equal(wire.KindGroupMessage, commit.Kind)
	require.Equal(wire.KindWelcome, welcome.Kind)
	require.Equal(bob.PublicKey(), welcome.TagValue(wire.TagRecipient))
	require.Equal(kp.ID, welcome.TagValue(wire.TagEventRef))
	require.Equal(hex.EncodeToString(chat.GroupID), welcome.GroupID())
	require.Equal([]string{wire.TagRelays, "wss://relay.example"}, welcome.Tag(wire.TagRelays))

	chats, err := h.client.Chats()
	require.NoError(err)
	require.Len(chats, 1)
	require.Contains(chats[0].Participants, bob.PublicKey())
}

func TestWelcomeInviteLifecycle(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "bob", filepath.Join(t.TempDir(), "bob.db"))
	alice := signerFromSeed(t, "alice")

	// Alice runs her own engine and admits Bob.
	aliceEngine := memengine.New(alice.PublicKey())
	info, err := aliceEngine.CreateGroup("ops")
	require.NoError(err)
	kpJSON, err := json.Marshal(signedKeyPackage(t, h.signer))
	require.NoError(err)
	res, err := aliceEngine.AddMember(info.GroupID, kpJSON)
	require.NoError(err)

	welcome := signedWelcome(t, alice, h.signer.PublicKey(), info.GroupID, res.Welcome)
	h.welcomeCh <- welcome
	got := nextEvent(t, h.client)
	require.IsType(&NewInviteEvent{}, got)
	inv := got.(*NewInviteEvent).Invite
	require.Equal(alice.PublicKey(), inv.SenderPubKey)
	require.Equal(hex.EncodeToString(info.GroupID), inv.GroupIDHint)
	require.Equal(welcome.ID, inv.EventID)

	// The same welcome from a second relay is deduplicated.
	h.welcomeCh <- welcome
	h.sync(t)
	invites, err := h.client.Invites()
	require.NoError(err)
	require.Len(invites, 1)

	chat, err := h.client.AcceptInvite(welcome.ID)
	require.NoError(err)
	require.Equal("ops", chat.Name)
	require.Equal(info.GroupID, chat.GroupID)
	require.Equal(welcome.ID, chat.WelcomeEventID)
	// The very next event is the chat creation, proving the duplicate
	// emitted nothing.
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))

	invites, err = h.client.Invites()
	require.NoError(err)
	require.Empty(invites)

	// Redelivery after acceptance is tombstoned away.
	h.welcomeCh <- welcome
	h.sync(t)
	invites, err = h.client.Invites()
	require.NoError(err)
	require.Empty(invites)

	_, err = h.client.AcceptInvite(welcome.ID)
	require.Error(err)
}

func TestDeclineInviteTombstones(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "bob", filepath.Join(t.TempDir(), "bob.db"))
	alice := signerFromSeed(t, "alice")

	aliceEngine := memengine.New(alice.PublicKey())
	info, err := aliceEngine.CreateGroup("ops")
	require.NoError(err)
	kpJSON, err := json.Marshal(signedKeyPackage(t, h.signer))
	require.NoError(err)
	res, err := aliceEngine.AddMember(info.GroupID, kpJSON)
	require.NoError(err)

	welcome := signedWelcome(t, alice, h.signer.PublicKey(), info.GroupID, res.Welcome)
	h.welcomeCh <- welcome
	require.IsType(&NewInviteEvent{}, nextEvent(t, h.client))

	require.NoError(h.client.DeclineInvite(welcome.ID))
	invites, err := h.client.Invites()
	require.NoError(err)
	require.Empty(invites)

	// A declined welcome never comes back.
	h.welcomeCh <- welcome
	h.sync(t)
	invites, err = h.client.Invites()
	require.NoError(err)
	require.Empty(invites)

	require.Error(h.client.DeclineInvite(welcome.ID))
}

// inboundFixture builds an alice-side client with bob admitted as a
// remote engine, returning bob's signer and engine plus the chat.
func inboundFixture(t *testing.T, h *harness) (*wire.SchnorrSigner, *memengine.Engine, *storage.Chat) {
	require := require.New(t)
	bob := signerFromSeed(t, "bob")

	chat, err := h.client.CreateGroup("ops")
	require.NoError(err)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))

	h.kpCh <- signedKeyPackage(t, bob)
	h.sync(t)
	require.NoError(h.client.InviteMember(chat.ID, bob.PublicKey()))
	require.IsType(&ChatUpdatedEvent{}, nextEvent(t, h.client))

	events := h.pub.publishedEvents(t)
	welcomeEv := events[len(events)-1]
	require.Equal(wire.KindWelcome, welcomeEv.Kind)
	welcome, err := base64.StdEncoding.DecodeString(welcomeEv.Content)
	require.NoError(err)

	bobEngine := memengine.New(bob.PublicKey())
	_, err = bobEngine.ProcessWelcome(welcome, welcomeEv.ID)
	require.NoError(err)
	return bob, bobEngine, chat
}

func groupMessageEvent(t *testing.T, signer *wire.SchnorrSigner, groupTag string, groupID, ciphertext []byte) *wire.Event {
	ev := &wire.Event{
		Kind:      wire.KindGroupMessage,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{groupTag, hex.EncodeToString(groupID)}},
		Content:   base64.StdEncoding.EncodeToString(ciphertext),
	}
	require.NoError(t, ev.Sign(signer))
	return ev
}

func TestInboundMessageWithLegacyGroupTag(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))
	bob, bobEngine, chat := inboundFixture(t, h)

	ciphertext, err := bobEngine.Encrypt(chat.GroupID, []byte("hi alice"))
	require.NoError(err)

	// Bob still writes the legacy group tag; it must route all the
	// same.
	ev := groupMessageEvent(t, bob, wire.TagGroupLegacy, chat.GroupID, ciphertext)
	h.groupCh <- ev
	got := nextEvent(t, h.client)
	require.IsType(&MessageReceivedEvent{}, got)
	msg := got.(*MessageReceivedEvent).Message
	require.Equal("hi alice", msg.Content)
	require.Equal(bob.PublicKey(), msg.Sender)
	require.False(msg.Outbound)

	// Redelivery of the same wire event is deduplicated.
	h.groupCh <- ev
	h.sync(t)
	msgs, err := h.client.Messages(chat.ID)
	require.NoError(err)
	require.Len(msgs, 1)
}

func TestSelfEchoSuppressed(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))

	chat, err := h.client.CreateGroup("ops")
	require.NoError(err)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))
	require.NoError(h.client.SendMessage(chat.ID, []byte("hello")))
	require.IsType(&MessageSentEvent{}, nextEvent(t, h.client))

	// The relay echoes our own event back.
	echo := h.pub.publishedEvents(t)[0]
	h.groupCh <- echo
	h.sync(t)

	msgs, err := h.client.Messages(chat.ID)
	require.NoError(err)
	require.Len(msgs, 1)
}

func TestDecryptionFailureEmitsNotification(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))
	bob, _, chat := inboundFixture(t, h)

	garbage := make([]byte, 128)
	ev := groupMessageEvent(t, bob, wire.TagGroup, chat.GroupID, garbage)
	h.groupCh <- ev
	got := nextEvent(t, h.client)
	require.IsType(&DecryptionErrorEvent{}, got)
	require.Equal(chat.ID, got.(*DecryptionErrorEvent).ChatID)

	msgs, err := h.client.Messages(chat.ID)
	require.NoError(err)
	require.Empty(msgs)
}

func TestRestartRestoresState(t *testing.T) {
	require := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "alice.db")

	h1 := newHarness(t, "alice", dbPath)
	bob, bobEngine, chat := inboundFixture(t, h1)

	require.NoError(h1.client.SendMessage(chat.ID, []byte("before restart")))
	require.IsType(&MessageSentEvent{}, nextEvent(t, h1.client))

	ciphertext, err := bobEngine.Encrypt(chat.GroupID, []byte("inbound"))
	require.NoError(err)
	inbound := groupMessageEvent(t, bob, wire.TagGroup, chat.GroupID, ciphertext)
	h1.groupCh <- inbound
	require.IsType(&MessageReceivedEvent{}, nextEvent(t, h1.client))

	h1.close()

	// A fresh process: new client, new engine, same database.
	h2 := newHarness(t, "alice", dbPath)
	chats, err := h2.client.Chats()
	require.NoError(err)
	require.Len(chats, 1)
	require.Equal(chat.ID, chats[0].ID)
	require.Equal(chat.GroupID, chats[0].GroupID)

	// Imported crypto state still encrypts.
	require.NoError(h2.client.SendMessage(chat.ID, []byte("after restart")))
	require.IsType(&MessageSentEvent{}, nextEvent(t, h2.client))

	// The processed-id set survived, so the old inbound event does
	// not duplicate.
	h2.groupCh <- inbound
	h2.sync(t)
	msgs, err := h2.client.Messages(chat.ID)
	require.NoError(err)
	require.Len(msgs, 3)
}

func TestPublishKeyPackage(t *testing.T) {
	require := require.New(t)
	hBob := newHarness(t, "bob", filepath.Join(t.TempDir(), "bob.db"))

	require.NoError(hBob.client.PublishKeyPackage())
	events := hBob.pub.publishedEvents(t)
	require.Len(events, 1)
	kp := events[0]
	require.Equal(wire.KindKeyPackage, kp.Kind)
	require.Equal(hBob.signer.PublicKey(), kp.PubKey)
	require.NotNil(kp.Tag(wire.TagEncoding))
	require.NotNil(kp.Tag(wire.TagCiphersuite))
	require.NotNil(kp.Tag(wire.TagProtocolVersion))
	require.GreaterOrEqual(len(kp.Content), MinKeyPackageLength)
	require.NoError(kp.VerifyID())
	require.NoError(wire.CheckSignature(kp))

	// Another client can invite bob on the strength of that
	// announcement alone.
	hAlice := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))
	chat, err := hAlice.client.CreateGroup("ops")
	require.NoError(err)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, hAlice.client))

	hAlice.kpCh <- kp
	hAlice.sync(t)
	require.NoError(hAlice.client.InviteMember(chat.ID, hBob.signer.PublicKey()))
	require.IsType(&ChatUpdatedEvent{}, nextEvent(t, hAlice.client))
}

func TestRemoteCommitUpdatesParticipants(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "alice", filepath.Join(t.TempDir(), "alice.db"))
	bob, bobEngine, chat := inboundFixture(t, h)
	carol := signerFromSeed(t, "carol")

	before, err := h.client.Chats()
	require.NoError(err)
	require.Len(before, 1)
	require.NotContains(before[0].Participants, carol.PublicKey())

	// Bob admits carol; alice only sees the commit on the wire.
	kpJSON, err := json.Marshal(signedKeyPackage(t, carol))
	require.NoError(err)
	res, err := bobEngine.AddMember(chat.GroupID, kpJSON)
	require.NoError(err)
	h.groupCh <- groupMessageEvent(t, bob, wire.TagGroup, chat.GroupID, res.Commit)

	got := nextEvent(t, h.client)
	require.IsType(&ChatUpdatedEvent{}, got)
	require.Contains(got.(*ChatUpdatedEvent).Chat.Participants, carol.PublicKey())

	chats, err := h.client.Chats()
	require.NoError(err)
	require.Len(chats, 1)
	require.Contains(chats[0].Participants, carol.PublicKey())
	require.Greater(chats[0].Epoch, before[0].Epoch)

	// The membership change is durable.
	stored, err := h.store.GetChat(chat.ID)
	require.NoError(err)
	require.Contains(stored.Participants, carol.PublicKey())

	// A later removal commit drops her again.
	commit, err := bobEngine.RemoveMember(chat.GroupID, carol.PublicKey())
	require.NoError(err)
	h.groupCh <- groupMessageEvent(t, bob, wire.TagGroup, chat.GroupID, commit)
	require.IsType(&ChatUpdatedEvent{}, nextEvent(t, h.client))

	after, err := h.client.Chats()
	require.NoError(err)
	require.NotContains(after[0].Participants, carol.PublicKey())

	// Earlier results are snapshots untouched by later commits.
	require.Contains(chats[0].Participants, carol.PublicKey())
	require.NotContains(before[0].Participants, carol.PublicKey())
}

func TestCommitReplayAfterRestart(t *testing.T) {
	require := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "alice.db")

	h1 := newHarness(t, "alice", dbPath)
	bob, bobEngine, chat := inboundFixture(t, h1)

	commit, err := bobEngine.UpdateKeys(chat.GroupID)
	require.NoError(err)
	commitEv := groupMessageEvent(t, bob, wire.TagGroup, chat.GroupID, commit)
	h1.groupCh <- commitEv
	require.IsType(&ChatUpdatedEvent{}, nextEvent(t, h1.client))

	h1.close()

	// Relays replay stored history to a fresh subscription; the commit
	// must not go through the engine a second time.
	h2 := newHarness(t, "alice", dbPath)
	h2.groupCh <- commitEv
	h2.sync(t)

	require.NoError(h2.client.SendMessage(chat.ID, []byte("still here")))
	// The very next event is the send, proving the replay emitted
	// nothing.
	require.IsType(&MessageSentEvent{}, nextEvent(t, h2.client))
}

func TestResetGroup(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, "bob", filepath.Join(t.TempDir(), "bob.db"))
	alice := signerFromSeed(t, "alice")

	aliceEngine := memengine.New(alice.PublicKey())
	info, err := aliceEngine.CreateGroup("ops")
	require.NoError(err)
	kpJSON, err := json.Marshal(signedKeyPackage(t, h.signer))
	require.NoError(err)
	res, err := aliceEngine.AddMember(info.GroupID, kpJSON)
	require.NoError(err)

	welcome := signedWelcome(t, alice, h.signer.PublicKey(), info.GroupID, res.Welcome)
	h.welcomeCh <- welcome
	require.IsType(&NewInviteEvent{}, nextEvent(t, h.client))
	chat, err := h.client.AcceptInvite(welcome.ID)
	require.NoError(err)
	require.IsType(&ChatCreatedEvent{}, nextEvent(t, h.client))

	// The configured relay is unreachable, so the rescan finds
	// nothing; the reset itself must still fully apply.
	require.NoError(h.client.ResetGroup(chat.ID))
	require.IsType(&GroupResetEvent{}, nextEvent(t, h.client))
	require.IsType(&RescanFinishedEvent{}, nextEvent(t, h.client))

	chats, err := h.client.Chats()
	require.NoError(err)
	require.Empty(chats)

	_, err = h.store.GroupState(chat.GroupID)
	require.ErrorIs(err, storage.ErrNotFound)

	dismissed, err := h.store.IsDismissed(welcome.ID)
	require.NoError(err)
	require.False(dismissed)
}
