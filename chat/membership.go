// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openchat/marmot/storage"
	"github.com/openchat/marmot/wire"
)

// publishEvent signs and publishes an event, returning the signed
// event for reference.
func (c *Client) publishEvent(ev *wire.Event) (*wire.Event, error) {
	if err := ev.Sign(c.signer); err != nil {
		return nil, err
	}
	frame, err := wire.EventFrame(ev)
	if err != nil {
		return nil, err
	}
	c.pub.Publish(frame)
	return ev, nil
}

// groupEvent builds an unsigned group-message event.  The current
// group tag name is always written; the legacy one is only ever read.
func groupEvent(groupID []byte, payload []byte) *wire.Event {
	return &wire.Event{
		Kind:      wire.KindGroupMessage,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{wire.TagGroup, hex.EncodeToString(groupID)}},
		Content:   base64.StdEncoding.EncodeToString(payload),
	}
}

// publishCommit publishes a commit payload and pauses for the settle
// delay so the commit reaches the relays before anything that depends
// on the new epoch is published.
func (c *Client) publishCommit(groupID []byte, commit []byte) error {
	if _, err := c.publishEvent(groupEvent(groupID, commit)); err != nil {
		return err
	}
	select {
	case <-time.After(c.settleDelay):
	case <-c.HaltCh():
		return errHalted
	}
	return nil
}

// doPublishKeyPackage announces this identity's key package so other
// clients can invite it into groups.
func (c *Client) doPublishKeyPackage() error {
	kp, err := c.crypto.GenerateKeyPackage()
	if err != nil {
		return chatErrorf("failed to generate key package: %v", err)
	}
	ev := &wire.Event{
		Kind:      wire.KindKeyPackage,
		CreatedAt: time.Now().Unix(),
		Tags:      kp.Tags,
		Content:   kp.Content,
	}
	if _, err := c.publishEvent(ev); err != nil {
		return chatErrorf("failed to publish key package: %v", err)
	}
	return nil
}

func (c *Client) doCreateGroup(op *opCreateGroup) {
	info, err := c.crypto.CreateGroup(op.name)
	if err != nil {
		op.responseChan <- chatErrorf("failed to create group: %v", err)
		return
	}
	if err := c.persistGroupState(info.GroupID); err != nil {
		op.responseChan <- chatErrorf("failed to persist group state: %v", err)
		return
	}
	chat := &storage.Chat{
		ID:           uuid.New().String(),
		Name:         op.name,
		Type:         storage.ChatTypeGroup,
		GroupID:      info.GroupID,
		Epoch:        info.Epoch,
		Participants: info.Members,
		LastActivity: time.Now(),
	}
	if err := c.store.PutChat(chat); err != nil {
		op.responseChan <- chatErrorf("failed to persist chat: %v", err)
		return
	}
	c.chats[chat.ID] = chat
	c.subscribeGroups()
	c.emit(&ChatCreatedEvent{Chat: chat.Clone()})
	op.responseChan <- chat.Clone()
}

func (c *Client) doInviteMember(chatID, memberKey string) error {
	chat, err := c.groupChat(chatID)
	if err != nil {
		return err
	}
	kp, ok := c.keyPackages[memberKey]
	if !ok {
		return chatErrorf("%v: %s", errNoKeyPackage, memberKey)
	}
	kpJSON, err := json.Marshal(kp)
	if err != nil {
		return chatErrorf("failed to serialize key package: %v", err)
	}

	result, err := c.crypto.AddMember(chat.GroupID, kpJSON)
	if err != nil {
		return chatErrorf("failed to add member: %v", err)
	}
	if err := c.persistGroupState(chat.GroupID); err != nil {
		return chatErrorf("failed to persist group state: %v", err)
	}

	// The commit advancing the epoch must reach existing members
	// before the welcome that admits the new one; reversing the order
	// leaves them one epoch behind.
	if len(result.Commit) > 0 {
		if err := c.publishCommit(chat.GroupID, result.Commit); err != nil {
			return chatErrorf("failed to publish commit: %v", err)
		}
	}

	welcome := &wire.Event{
		Kind:      wire.KindWelcome,
		CreatedAt: time.Now().Unix(),
		Tags: [][]string{
			{wire.TagRecipient, memberKey},
			{wire.TagEventRef, kp.ID},
			{wire.TagGroup, hex.EncodeToString(chat.GroupID)},
			append([]string{wire.TagRelays}, c.relays...),
		},
		Content: base64.StdEncoding.EncodeToString(result.Welcome),
	}
	if _, err := c.publishEvent(welcome); err != nil {
		return chatErrorf("failed to publish welcome: %v", err)
	}

	chat.Participants = appendUnique(chat.Participants, memberKey)
	chat.LastActivity = time.Now()
	if err := c.store.PutChat(chat); err != nil {
		return chatErrorf("failed to update chat: %v", err)
	}
	c.emit(&ChatUpdatedEvent{Chat: chat.Clone()})
	return nil
}

func (c *Client) doRemoveMember(chatID, memberKey string) error {
	chat, err := c.groupChat(chatID)
	if err != nil {
		return err
	}
	commit, err := c.crypto.RemoveMember(chat.GroupID, memberKey)
	if err != nil {
		return chatErrorf("failed to remove member: %v", err)
	}
	if err := c.persistGroupState(chat.GroupID); err != nil {
		return chatErrorf("failed to persist group state: %v", err)
	}
	if err := c.publishCommit(chat.GroupID, commit); err != nil {
		return chatErrorf("failed to publish commit: %v", err)
	}

	kept := chat.Participants[:0]
	for _, p := range chat.Participants {
		if p != memberKey {
			kept = append(kept, p)
		}
	}
	chat.Participants = kept
	chat.LastActivity = time.Now()
	if err := c.store.PutChat(chat); err != nil {
		return chatErrorf("failed to update chat: %v", err)
	}
	c.emit(&ChatUpdatedEvent{Chat: chat.Clone()})
	return nil
}

func (c *Client) doUpdateKeys(chatID string) error {
	chat, err := c.groupChat(chatID)
	if err != nil {
		return err
	}
	commit, err := c.crypto.UpdateKeys(chat.GroupID)
	if err != nil {
		return chatErrorf("failed to update keys: %v", err)
	}
	if err := c.persistGroupState(chat.GroupID); err != nil {
		return chatErrorf("failed to persist group state: %v", err)
	}
	if err := c.publishCommit(chat.GroupID, commit); err != nil {
		return chatErrorf("failed to publish commit: %v", err)
	}
	return nil
}

func (c *Client) doSendMessage(chatID string, payload []byte) error {
	chat, err := c.groupChat(chatID)
	if err != nil {
		return err
	}
	ciphertext, err := c.crypto.Encrypt(chat.GroupID, payload)
	if err != nil {
		return chatErrorf("failed to encrypt message: %v", err)
	}
	if err := c.persistGroupState(chat.GroupID); err != nil {
		return chatErrorf("failed to persist group state: %v", err)
	}
	ev, err := c.publishEvent(groupEvent(chat.GroupID, ciphertext))
	if err != nil {
		return chatErrorf("failed to publish message: %v", err)
	}

	// Record the message locally; the relay echo of our own event is
	// suppressed on receipt.
	c.processed[ev.ID] = true
	if err := c.store.MarkProcessed(chat.GroupID, ev.ID); err != nil {
		c.log.Errorf("chat %s: failed to persist processed id %s: %v", chat.ID, ev.ID, err)
	}
	msg := &storage.Message{
		ID:          uuid.New().String(),
		ChatID:      chat.ID,
		Sender:      c.identity,
		Content:     string(payload),
		Timestamp:   time.Now(),
		Outbound:    true,
		WireEventID: ev.ID,
	}
	if err := c.store.AppendMessage(msg); err != nil {
		return chatErrorf("failed to store message: %v", err)
	}
	chat.LastActivity = msg.Timestamp
	if err := c.store.PutChat(chat); err != nil {
		return chatErrorf("failed to update chat: %v", err)
	}
	c.emit(&MessageSentEvent{ChatID: chat.ID, Message: msg})
	return nil
}

func (c *Client) doAcceptInvite(op *opAcceptInvite) {
	inv, err := c.invites.Get(op.eventID)
	if err != nil {
		op.responseChan <- chatErrorf("%v: %s", errInviteNotFound, op.eventID)
		return
	}
	info, err := c.crypto.ProcessWelcome(inv.Welcome, inv.EventID)
	if err != nil {
		op.responseChan <- chatErrorf("failed to process welcome: %v", err)
		return
	}
	if err := c.persistGroupState(info.GroupID); err != nil {
		op.responseChan <- chatErrorf("failed to persist group state: %v", err)
		return
	}
	chat := &storage.Chat{
		ID:             uuid.New().String(),
		Name:           info.Name,
		Type:           storage.ChatTypeGroup,
		GroupID:        info.GroupID,
		Epoch:          info.Epoch,
		Participants:   info.Members,
		LastActivity:   time.Now(),
		WelcomeEventID: inv.EventID,
	}
	if err := c.store.PutChat(chat); err != nil {
		op.responseChan <- chatErrorf("failed to persist chat: %v", err)
		return
	}
	c.chats[chat.ID] = chat

	// Resolve the invite: the record goes away, the tombstone stays.
	if err := c.invites.Delete(inv.EventID); err != nil {
		c.log.Errorf("failed to delete invite %s: %v", inv.EventID, err)
	}
	if err := c.invites.Dismiss(inv.EventID); err != nil {
		c.log.Errorf("failed to dismiss event %s: %v", inv.EventID, err)
	}

	c.subscribeGroups()
	c.emit(&ChatCreatedEvent{Chat: chat.Clone()})
	op.responseChan <- chat.Clone()
}

func (c *Client) doDeclineInvite(eventID string) error {
	if _, err := c.invites.Get(eventID); err != nil {
		return chatErrorf("%v: %s", errInviteNotFound, eventID)
	}
	if err := c.invites.Delete(eventID); err != nil {
		return chatErrorf("failed to delete invite: %v", err)
	}
	if err := c.invites.Dismiss(eventID); err != nil {
		return chatErrorf("failed to dismiss event: %v", err)
	}
	return nil
}

func (c *Client) groupChat(chatID string) (*storage.Chat, error) {
	chat, ok := c.chats[chatID]
	if !ok {
		return nil, chatErrorf("%v: %s", errChatNotFound, chatID)
	}
	if len(chat.GroupID) == 0 {
		return nil, chatErrorf("%v: %s", errNotAGroup, chatID)
	}
	return chat, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
