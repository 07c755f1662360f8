// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"fmt"

	"github.com/openchat/marmot/storage"
)

// Event is the generic event sent over the client's EventSink.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// NewInviteEvent is emitted when a previously unseen welcome produced
// a pending invite.
type NewInviteEvent struct {
	Invite *storage.PendingInvite
}

func (e *NewInviteEvent) String() string {
	return fmt.Sprintf("NewInvite: %s from %s", e.Invite.EventID, e.Invite.SenderPubKey)
}

// ChatCreatedEvent is emitted when a chat comes into existence, either
// by creating a group or by accepting an invite.
type ChatCreatedEvent struct {
	Chat *storage.Chat
}

func (e *ChatCreatedEvent) String() string {
	return fmt.Sprintf("ChatCreated: %s (%s)", e.Chat.ID, e.Chat.Name)
}

// ChatUpdatedEvent is emitted on membership or epoch changes.
type ChatUpdatedEvent struct {
	Chat *storage.Chat
}

func (e *ChatUpdatedEvent) String() string {
	return fmt.Sprintf("ChatUpdated: %s epoch %d", e.Chat.ID, e.Chat.Epoch)
}

// MessageReceivedEvent is emitted for each decrypted inbound
// application message.
type MessageReceivedEvent struct {
	ChatID  string
	Message *storage.Message
}

func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: chat %s from %s", e.ChatID, e.Message.Sender)
}

// MessageSentEvent is emitted once an outbound message has been
// published and recorded.
type MessageSentEvent struct {
	ChatID  string
	Message *storage.Message
}

func (e *MessageSentEvent) String() string {
	return fmt.Sprintf("MessageSent: chat %s", e.ChatID)
}

// DecryptionErrorEvent is emitted when an inbound group message could
// not be decrypted.  The group's crypto state may be unrecoverable;
// the only repair path is a group reset.
type DecryptionErrorEvent struct {
	ChatID   string
	ChatName string
	Err      error
}

func (e *DecryptionErrorEvent) String() string {
	return fmt.Sprintf("DecryptionError: chat %s (%s): %v", e.ChatID, e.ChatName, e.Err)
}

// GroupResetEvent is emitted after a group reset has deleted the
// chat, its messages and its crypto state.
type GroupResetEvent struct {
	ChatID         string
	WelcomeEventID string
}

func (e *GroupResetEvent) String() string {
	return fmt.Sprintf("GroupReset: chat %s", e.ChatID)
}

// RescanFinishedEvent is emitted when a historical welcome rescan has
// terminated on every relay.
type RescanFinishedEvent struct {
	Found int
}

func (e *RescanFinishedEvent) String() string {
	return fmt.Sprintf("RescanFinished: %d welcomes", e.Found)
}
