// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import "time"

// ChatType discriminates direct-message chats from encrypted groups.
type ChatType uint8

const (
	ChatTypeDirect ChatType = iota
	ChatTypeGroup
)

// Chat is one conversation.  GroupID is present iff Type is
// ChatTypeGroup and an encryption group exists for it.
type Chat struct {
	ID           string
	Name         string
	Type         ChatType
	GroupID      []byte
	Epoch        uint64
	Participants []string
	LastActivity time.Time

	// WelcomeEventID is the wire event that originally admitted this
	// chat.  Group reset un-dismisses it so the welcome can be
	// rediscovered.
	WelcomeEventID string
}

// Clone returns an independent copy of the chat, for handing across
// goroutine boundaries.
func (c *Chat) Clone() *Chat {
	out := *c
	out.GroupID = append([]byte(nil), c.GroupID...)
	out.Participants = append([]string(nil), c.Participants...)
	return &out
}

// Message is one sent or received chat message.
type Message struct {
	ID          string
	ChatID      string
	Sender      string
	Content     string
	Timestamp   time.Time
	Outbound    bool
	WireEventID string
}

// PendingInvite is a welcome that has been received but not yet
// accepted or declined.  Unique per originating wire-event id.
type PendingInvite struct {
	ID                string
	SenderPubKey      string
	SenderName        string
	GroupIDHint       string
	Welcome           []byte
	KeyPackageEventID string
	EventID           string
	RelayHints        []string
	ReceivedAt        time.Time
}
