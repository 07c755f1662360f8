// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package chat implements the group-lifecycle orchestrator: it
// consumes classified relay events, drives invite creation and
// resolution, performs membership operations through the external
// group-encryption engine, and persists every resulting state change.
package chat

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/openchat/marmot/core/log"
	"github.com/openchat/marmot/core/worker"
	"github.com/openchat/marmot/mls"
	"github.com/openchat/marmot/relay"
	"github.com/openchat/marmot/storage"
	"github.com/openchat/marmot/wire"
)

var (
	errHalted          = errors.New("chat: client halted")
	errChatNotFound    = errors.New("chat: chat not found")
	errInviteNotFound  = errors.New("chat: invite not found")
	errNotAGroup       = errors.New("chat: chat has no encryption group")
	errNoKeyPackage    = errors.New("chat: no key package known for member")
	errInvalidResponse = errors.New("chat: BUG, invalid operation response")
)

// Publisher fans outbound frames to the connected relays.  Publish
// must not wait for relay acknowledgement.
type Publisher interface {
	Publish(frame []byte)
	Subscribe(subID string, frame []byte)
}

// Streams are the classified inbound event channels the client
// consumes.  All of them are drained by one worker goroutine, one
// event at a time, in arrival order.
type Streams struct {
	Metadata      <-chan *wire.Event
	KeyPackages   <-chan *wire.Event
	Welcomes      <-chan *wire.Event
	GroupMessages <-chan *wire.Event
	Status        <-chan *relay.StatusEvent
}

// Config supplies the client's collaborators.
type Config struct {
	// Signer signs outbound events; its public key is the local
	// identity.
	Signer wire.Signer

	// Crypto is the external group-encryption capability.
	Crypto mls.GroupCrypto

	// Store is the persistent record store.
	Store *storage.Store

	// Publisher is normally the relay pool.
	Publisher Publisher

	// Streams are the classified inbound channels, normally wired
	// from the router and pool.
	Streams *Streams

	// Relays are the configured relay URLs, used by rescan to open
	// fresh short-lived connections.
	Relays []string

	// SettleDelay overrides DefaultSettleDelay when non-zero.
	SettleDelay time.Duration

	// RescanTimeout overrides DefaultRescanTimeout when non-zero.
	RescanTimeout time.Duration
}

func (cfg *Config) fixup() error {
	if cfg.Signer == nil {
		return errors.New("chat: config: no signer")
	}
	if cfg.Crypto == nil {
		return errors.New("chat: config: no crypto capability")
	}
	if cfg.Store == nil {
		return errors.New("chat: config: no store")
	}
	if cfg.Publisher == nil {
		return errors.New("chat: config: no publisher")
	}
	if cfg.Streams == nil {
		cfg.Streams = &Streams{}
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RescanTimeout == 0 {
		cfg.RescanTimeout = DefaultRescanTimeout
	}
	return nil
}

// Client is the group-lifecycle orchestrator.
type Client struct {
	worker.Worker

	haltOnce sync.Once

	eventCh   channels.Channel
	EventSink chan Event
	opCh      chan interface{}

	identity string
	signer   wire.Signer
	crypto   mls.GroupCrypto
	store    *storage.Store
	invites  *InviteStore
	pub      Publisher
	streams  *Streams

	relays        []string
	settleDelay   time.Duration
	rescanTimeout time.Duration

	// Worker-goroutine state; never touched outside the worker loop.
	chats       map[string]*storage.Chat
	profiles    map[string]string
	keyPackages map[string]*wire.Event
	processed   map[string]bool
	groupSubID  string

	log        *logging.Logger
	logBackend *log.Backend
}

// New creates a Client, reloading all persisted chats and their
// exported crypto state so that a restart resumes where the previous
// process stopped.
func New(logBackend *log.Backend, cfg *Config) (*Client, error) {
	if err := cfg.fixup(); err != nil {
		return nil, err
	}
	c := &Client{
		eventCh:       channels.NewInfiniteChannel(),
		EventSink:     make(chan Event),
		opCh:          make(chan interface{}, 8),
		identity:      cfg.Signer.PublicKey(),
		signer:        cfg.Signer,
		crypto:        cfg.Crypto,
		store:         cfg.Store,
		invites:       NewInviteStore(cfg.Store),
		pub:           cfg.Publisher,
		streams:       cfg.Streams,
		relays:        cfg.Relays,
		settleDelay:   cfg.SettleDelay,
		rescanTimeout: cfg.RescanTimeout,
		chats:         make(map[string]*storage.Chat),
		profiles:      make(map[string]string),
		keyPackages:   make(map[string]*wire.Event),
		processed:     make(map[string]bool),
		groupSubID:    uuid.New().String(),
		log:           logBackend.GetLogger("chat"),
		logBackend:    logBackend,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// reload restores chats and group crypto state from the record store.
func (c *Client) reload() error {
	chats, err := c.store.ListChats()
	if err != nil {
		return err
	}
	for _, chat := range chats {
		c.chats[chat.ID] = chat
		if len(chat.GroupID) == 0 {
			continue
		}
		state, err := c.store.GroupState(chat.GroupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.log.Warningf("chat %s: no persisted crypto state", chat.ID)
				continue
			}
			return err
		}
		if err := c.crypto.ImportState(chat.GroupID, state); err != nil {
			// The chat survives; decryption will fail and surface a
			// DecryptionErrorEvent, and the user can reset the group.
			c.log.Errorf("chat %s: crypto state import failed: %v", chat.ID, err)
		}
	}

	// Commits have no stored Message, so the durable processed-id set
	// is what keeps historical relay replays out of the engine.
	ids, err := c.store.ListProcessed()
	if err != nil {
		return err
	}
	for _, id := range ids {
		c.processed[id] = true
	}
	return nil
}

// Start starts the worker and event sink goroutines and subscribes to
// the relay streams for this identity.
func (c *Client) Start() {
	c.subscribe()
	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

// Shutdown halts the client gracefully.  It is safe to call more
// than once.
func (c *Client) Shutdown() {
	c.haltOnce.Do(c.Halt)
}

func (c *Client) eventSinkWorker() {
	defer close(c.EventSink)
	for {
		var event Event
		select {
		case <-c.HaltCh():
			return
		case ev := <-c.eventCh.Out():
			event = ev.(Event)
		}
		select {
		case c.EventSink <- event:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Client) emit(ev Event) {
	c.eventCh.In() <- ev
}

// subscribe registers the standing relay subscriptions: welcomes
// addressed to us, discovery (metadata and key packages), and group
// messages for every known group under both group tag variants.
func (c *Client) subscribe() {
	welcomeFrame, err := wire.ReqFrame(uuid.New().String(), &wire.Filter{
		Kinds: []int{wire.KindWelcome},
		Tags:  map[string][]string{wire.TagRecipient: {c.identity}},
	})
	if err == nil {
		c.pub.Subscribe("welcome", welcomeFrame)
	}
	discoveryFrame, err := wire.ReqFrame(uuid.New().String(), &wire.Filter{
		Kinds: []int{wire.KindMetadata, wire.KindKeyPackage},
	})
	if err == nil {
		c.pub.Subscribe("discovery", discoveryFrame)
	}
	c.subscribeGroups()
}

// subscribeGroups (re)subscribes to group messages whenever the set
// of known groups changes.  Both the current and the legacy group tag
// are requested so messages from peers writing either variant arrive.
func (c *Client) subscribeGroups() {
	ids := make([]string, 0, len(c.chats))
	for _, chat := range c.chats {
		if len(chat.GroupID) > 0 {
			ids = append(ids, hex.EncodeToString(chat.GroupID))
		}
	}
	if len(ids) == 0 {
		return
	}
	frame, err := wire.ReqFrame(c.groupSubID,
		&wire.Filter{
			Kinds: []int{wire.KindGroupMessage},
			Tags:  map[string][]string{wire.TagGroup: ids},
		},
		&wire.Filter{
			Kinds: []int{wire.KindGroupMessage},
			Tags:  map[string][]string{wire.TagGroupLegacy: ids},
		})
	if err != nil {
		c.log.Errorf("failed to build group subscription: %v", err)
		return
	}
	c.pub.Subscribe("groups", frame)
}

// PublishKeyPackage generates a fresh key package for the local
// identity and publishes it as a key-package event, making the local
// identity invitable by peers.
func (c *Client) PublishKeyPackage() error {
	r := make(chan error, 1)
	if err := c.enqueue(&opPublishKeyPackage{responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// CreateGroup creates a new encrypted group chat.
func (c *Client) CreateGroup(name string) (*storage.Chat, error) {
	r := make(chan interface{}, 1)
	if err := c.enqueue(&opCreateGroup{name: name, responseChan: r}); err != nil {
		return nil, err
	}
	return c.chatResponse(r)
}

// InviteMember adds a member to a group chat by their public key.  A
// key package for the member must have been observed.
func (c *Client) InviteMember(chatID, memberKey string) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opInviteMember{chatID: chatID, memberKey: memberKey, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// RemoveMember removes a member from a group chat.
func (c *Client) RemoveMember(chatID, memberKey string) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opRemoveMember{chatID: chatID, memberKey: memberKey, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// SendMessage encrypts and publishes an application message.
func (c *Client) SendMessage(chatID string, payload []byte) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opSendMessage{chatID: chatID, payload: payload, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// UpdateKeys rotates the local leaf keys for a group, publishing the
// resulting commit.
func (c *Client) UpdateKeys(chatID string) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opUpdateKeys{chatID: chatID, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// AcceptInvite resolves a pending invite into a chat.
func (c *Client) AcceptInvite(eventID string) (*storage.Chat, error) {
	r := make(chan interface{}, 1)
	if err := c.enqueue(&opAcceptInvite{eventID: eventID, responseChan: r}); err != nil {
		return nil, err
	}
	return c.chatResponse(r)
}

// DeclineInvite deletes a pending invite and tombstones its event so
// it is never re-surfaced.
func (c *Client) DeclineInvite(eventID string) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opDeclineInvite{eventID: eventID, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// Invites returns the pending invites.
func (c *Client) Invites() ([]*storage.PendingInvite, error) {
	r := make(chan []*storage.PendingInvite, 1)
	if err := c.enqueue(&opGetInvites{responseChan: r}); err != nil {
		return nil, err
	}
	select {
	case invites := <-r:
		return invites, nil
	case <-c.HaltCh():
		return nil, errHalted
	}
}

// Chats returns all known chats.
func (c *Client) Chats() ([]*storage.Chat, error) {
	r := make(chan []*storage.Chat, 1)
	if err := c.enqueue(&opGetChats{responseChan: r}); err != nil {
		return nil, err
	}
	select {
	case chats := <-r:
		return chats, nil
	case <-c.HaltCh():
		return nil, errHalted
	}
}

// Messages returns a chat's stored messages in order.
func (c *Client) Messages(chatID string) ([]*storage.Message, error) {
	return c.store.Messages(chatID)
}

// ResetGroup recovers from unrecoverable crypto state: it deletes the
// group's crypto state and chat records, un-dismisses the original
// welcome, and triggers a rescan so the welcome can be rediscovered.
func (c *Client) ResetGroup(chatID string) error {
	r := make(chan error, 1)
	if err := c.enqueue(&opResetGroup{chatID: chatID, responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

// Rescan issues a targeted historical query for welcomes addressed to
// the local identity against every configured relay, over fresh
// short-lived connections.  It returns once every relay's query has
// terminated.
func (c *Client) Rescan() error {
	r := make(chan error, 1)
	if err := c.enqueue(&opRescan{responseChan: r}); err != nil {
		return err
	}
	return c.errResponse(r)
}

func (c *Client) enqueue(op interface{}) error {
	select {
	case c.opCh <- op:
		return nil
	case <-c.HaltCh():
		return errHalted
	}
}

func (c *Client) errResponse(r chan error) error {
	select {
	case err := <-r:
		return err
	case <-c.HaltCh():
		return errHalted
	}
}

func (c *Client) chatResponse(r chan interface{}) (*storage.Chat, error) {
	select {
	case v := <-r:
		switch t := v.(type) {
		case error:
			return nil, t
		case *storage.Chat:
			return t, nil
		}
		return nil, errInvalidResponse
	case <-c.HaltCh():
		return nil, errHalted
	}
}

func chatErrorf(format string, a ...interface{}) error {
	return fmt.Errorf("chat: "+format, a...)
}
