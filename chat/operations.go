// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import "github.com/openchat/marmot/storage"

type opPublishKeyPackage struct {
	responseChan chan error
}

type opCreateGroup struct {
	name         string
	responseChan chan interface{}
}

type opInviteMember struct {
	chatID       string
	memberKey    string
	responseChan chan error
}

type opRemoveMember struct {
	chatID       string
	memberKey    string
	responseChan chan error
}

type opSendMessage struct {
	chatID       string
	payload      []byte
	responseChan chan error
}

type opUpdateKeys struct {
	chatID       string
	responseChan chan error
}

type opAcceptInvite struct {
	eventID      string
	responseChan chan interface{}
}

type opDeclineInvite struct {
	eventID      string
	responseChan chan error
}

type opGetInvites struct {
	responseChan chan []*storage.PendingInvite
}

type opGetChats struct {
	responseChan chan []*storage.Chat
}

type opResetGroup struct {
	chatID       string
	responseChan chan error
}

type opRescan struct {
	responseChan chan error
}
