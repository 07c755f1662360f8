// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openchat/marmot/mls"
	"github.com/openchat/marmot/storage"
	"github.com/openchat/marmot/wire"
)

// worker is the single consumer of all inbound streams: events are
// processed strictly one at a time in arrival order so the dedup and
// commit-before-welcome invariants hold without further locking.
func (c *Client) worker() {
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case qo := <-c.opCh:
			switch op := qo.(type) {
			case *opPublishKeyPackage:
				op.responseChan <- c.doPublishKeyPackage()
			case *opCreateGroup:
				c.doCreateGroup(op)
			case *opInviteMember:
				op.responseChan <- c.doInviteMember(op.chatID, op.memberKey)
			case *opRemoveMember:
				op.responseChan <- c.doRemoveMember(op.chatID, op.memberKey)
			case *opSendMessage:
				op.responseChan <- c.doSendMessage(op.chatID, op.payload)
			case *opUpdateKeys:
				op.responseChan <- c.doUpdateKeys(op.chatID)
			case *opAcceptInvite:
				c.doAcceptInvite(op)
			case *opDeclineInvite:
				op.responseChan <- c.doDeclineInvite(op.eventID)
			case *opGetInvites:
				invites, err := c.invites.List()
				if err != nil {
					c.log.Errorf("failed to list invites: %v", err)
				}
				op.responseChan <- invites
			case *opGetChats:
				// Copies, so callers never observe later worker mutations.
				chats := make([]*storage.Chat, 0, len(c.chats))
				for _, chat := range c.chats {
					chats = append(chats, chat.Clone())
				}
				op.responseChan <- chats
			case *opResetGroup:
				op.responseChan <- c.doResetGroup(op.chatID)
			case *opRescan:
				op.responseChan <- c.doRescan()
			default:
				c.log.Errorf("BUG, unknown operation type: %T", qo)
			}
		case ev := <-c.streams.Metadata:
			c.handleMetadata(ev)
		case ev := <-c.streams.KeyPackages:
			c.handleKeyPackage(ev)
		case ev := <-c.streams.Welcomes:
			c.handleWelcome(ev)
		case ev := <-c.streams.GroupMessages:
			c.handleGroupMessage(ev)
		case status := <-c.streams.Status:
			if status == nil {
				continue
			}
			c.log.Infof("%s", status)
		}
	}
}

// handleMetadata caches profile display names; metadata is not
// state-mutating for this client.
func (c *Client) handleMetadata(ev *wire.Event) {
	var profile struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &profile); err != nil {
		c.log.Debugf("dropping malformed metadata from %s: %v", ev.PubKey, err)
		return
	}
	name := profile.DisplayName
	if name == "" {
		name = profile.Name
	}
	if name != "" {
		c.profiles[ev.PubKey] = name
	}
}

// handleKeyPackage validates and caches a key-package announcement
// for later member invitation.  Malformed key packages are silently
// skipped and never surface as an invite.
func (c *Client) handleKeyPackage(ev *wire.Event) {
	if ev.Tag(wire.TagEncoding) == nil ||
		ev.Tag(wire.TagCiphersuite) == nil ||
		ev.Tag(wire.TagProtocolVersion) == nil {
		c.log.Debugf("skipping key package %s: missing required tags", ev.ID)
		return
	}
	if len(ev.Content) < MinKeyPackageLength {
		c.log.Debugf("skipping key package %s: content too short", ev.ID)
		return
	}
	if prev, ok := c.keyPackages[ev.PubKey]; ok && prev.CreatedAt > ev.CreatedAt {
		return
	}
	c.keyPackages[ev.PubKey] = ev
}

// handleWelcome is the invite pipeline: tombstone check, dedup by
// originating event id, then persist a PendingInvite and notify.
func (c *Client) handleWelcome(ev *wire.Event) {
	if recipient := ev.TagValue(wire.TagRecipient); recipient != "" && recipient != c.identity {
		return
	}

	dismissed, err := c.invites.IsDismissed(ev.ID)
	if err != nil {
		c.log.Errorf("welcome %s: tombstone lookup failed: %v", ev.ID, err)
		return
	}
	if dismissed {
		return
	}
	if c.haveChatForWelcome(ev.ID) {
		return
	}

	welcome, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		// Not base64; carry the raw content.
		welcome = []byte(ev.Content)
	}

	var relayHints []string
	if t := ev.Tag(wire.TagRelays); len(t) > 1 {
		relayHints = t[1:]
	}

	inv := &storage.PendingInvite{
		ID:                uuid.New().String(),
		SenderPubKey:      ev.PubKey,
		SenderName:        c.profiles[ev.PubKey],
		GroupIDHint:       ev.GroupID(),
		Welcome:           welcome,
		KeyPackageEventID: ev.TagValue(wire.TagEventRef),
		EventID:           ev.ID,
		RelayHints:        relayHints,
		ReceivedAt:        time.Unix(ev.CreatedAt, 0),
	}
	inserted, err := c.invites.Save(inv)
	if err != nil {
		c.log.Errorf("welcome %s: failed to persist invite: %v", ev.ID, err)
		return
	}
	if !inserted {
		// Same welcome delivered again, possibly by another relay.
		return
	}
	c.emit(&NewInviteEvent{Invite: inv})
}

func (c *Client) haveChatForWelcome(eventID string) bool {
	for _, chat := range c.chats {
		if chat.WelcomeEventID == eventID {
			return true
		}
	}
	return false
}

// handleGroupMessage processes an inbound group message, which may be
// an application message or a membership commit; the crypto layer's
// return type distinguishes the two.  A decryption failure is
// reported as a notification tied to the chat and processing
// continues with subsequent events.
func (c *Client) handleGroupMessage(ev *wire.Event) {
	groupID := ev.GroupID()
	if groupID == "" {
		c.log.Debugf("dropping group message %s: no group tag", ev.ID)
		return
	}
	chat := c.chatByGroupID(groupID)
	if chat == nil {
		c.log.Debugf("dropping group message %s: unknown group %s", ev.ID, groupID)
		return
	}
	if ev.PubKey == c.identity {
		// Self-originated echo; recorded when sent.
		return
	}
	if c.processed[ev.ID] {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ev.Content)
	if err != nil {
		ciphertext = []byte(ev.Content)
	}

	result, err := c.crypto.ProcessMessage(chat.GroupID, ciphertext)
	if err != nil {
		if errors.Is(err, mls.ErrDecryption) {
			c.log.Warningf("chat %s: decryption failed for event %s: %v", chat.ID, ev.ID, err)
			c.emit(&DecryptionErrorEvent{ChatID: chat.ID, ChatName: chat.Name, Err: err})
		} else {
			c.log.Errorf("chat %s: failed to process event %s: %v", chat.ID, ev.ID, err)
		}
		return
	}
	c.processed[ev.ID] = true
	if err := c.store.MarkProcessed(chat.GroupID, ev.ID); err != nil {
		c.log.Errorf("chat %s: failed to persist processed id %s: %v", chat.ID, ev.ID, err)
	}

	// Any processed message may have advanced the group state.
	if err := c.persistGroupState(chat.GroupID); err != nil {
		c.log.Errorf("chat %s: state persistence failed: %v", chat.ID, err)
	}

	if result.Application == nil {
		// Membership commit: sync the roster and advance the epoch.
		if len(result.Members) > 0 {
			chat.Participants = result.Members
		}
		if result.Epoch > chat.Epoch {
			chat.Epoch = result.Epoch
		}
		if err := c.store.PutChat(chat); err != nil {
			c.log.Errorf("chat %s: failed to update chat: %v", chat.ID, err)
		}
		c.emit(&ChatUpdatedEvent{Chat: chat.Clone()})
		return
	}

	msg := &storage.Message{
		ID:          uuid.New().String(),
		ChatID:      chat.ID,
		Sender:      result.Application.Sender,
		Content:     string(result.Application.Plaintext),
		Timestamp:   time.Unix(ev.CreatedAt, 0),
		Outbound:    false,
		WireEventID: ev.ID,
	}
	if err := c.store.AppendMessage(msg); err != nil {
		c.log.Errorf("chat %s: failed to store message: %v", chat.ID, err)
		return
	}
	c.bumpEpoch(chat, result.Application.Epoch)
	chat.LastActivity = msg.Timestamp
	if err := c.store.PutChat(chat); err != nil {
		c.log.Errorf("chat %s: failed to update chat: %v", chat.ID, err)
	}
	c.emit(&MessageReceivedEvent{ChatID: chat.ID, Message: msg})
}

// chatByGroupID matches the tag-carried group identifier against the
// known chats.
func (c *Client) chatByGroupID(groupIDHex string) *storage.Chat {
	raw, err := hex.DecodeString(groupIDHex)
	if err != nil {
		return nil
	}
	for _, chat := range c.chats {
		if len(chat.GroupID) > 0 && string(chat.GroupID) == string(raw) {
			return chat
		}
	}
	return nil
}

// bumpEpoch advances a chat's epoch; epochs never move backwards.
func (c *Client) bumpEpoch(chat *storage.Chat, epoch uint64) {
	if epoch > chat.Epoch {
		chat.Epoch = epoch
		if err := c.store.PutChat(chat); err != nil {
			c.log.Errorf("chat %s: failed to persist epoch: %v", chat.ID, err)
		}
	}
}

// persistGroupState exports and durably stores the group's crypto
// state.  Every state-mutating crypto call is followed by this; the
// operation that triggered it is not complete until this succeeds.
func (c *Client) persistGroupState(groupID []byte) error {
	state, err := c.crypto.ExportState(groupID)
	if err != nil {
		return err
	}
	return c.store.PutGroupState(groupID, state)
}
