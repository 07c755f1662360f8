// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/openchat/marmot/wire"
)

// doResetGroup is the only repair path for unrecoverable group crypto
// state: delete the persisted state, un-dismiss the original welcome,
// delete the chat and its messages, and rescan so the welcome can be
// rediscovered.
func (c *Client) doResetGroup(chatID string) error {
	chat, err := c.groupChat(chatID)
	if err != nil {
		return err
	}
	if err := c.crypto.ForgetGroup(chat.GroupID); err != nil {
		c.log.Warningf("chat %s: engine forget failed: %v", chatID, err)
	}
	if err := c.store.DeleteGroupState(chat.GroupID); err != nil {
		return chatErrorf("failed to delete group state: %v", err)
	}
	if chat.WelcomeEventID != "" {
		if err := c.invites.Undismiss(chat.WelcomeEventID); err != nil {
			return chatErrorf("failed to un-dismiss welcome: %v", err)
		}
	}

	// Old event ids, commits included, must become processable again
	// once the group is re-joined.
	if ids, err := c.store.GroupProcessed(chat.GroupID); err == nil {
		for _, id := range ids {
			delete(c.processed, id)
		}
	}
	if err := c.store.ForgetProcessed(chat.GroupID); err != nil {
		return chatErrorf("failed to clear processed ids: %v", err)
	}
	if err := c.store.DeleteChat(chatID); err != nil {
		return chatErrorf("failed to delete chat: %v", err)
	}
	delete(c.chats, chatID)
	c.emit(&GroupResetEvent{ChatID: chatID, WelcomeEventID: chat.WelcomeEventID})

	return c.doRescan()
}

// doRescan queries every configured relay for historical welcomes
// addressed to the local identity and runs each result through the
// live welcome pipeline, so the same dismiss/dedup filtering applies.
func (c *Client) doRescan() error {
	found := c.fetchHistoricalWelcomes()
	for _, ev := range found {
		c.handleWelcome(ev)
	}
	c.emit(&RescanFinishedEvent{Found: len(found)})
	return nil
}

// fetchHistoricalWelcomes opens a fresh, short-lived connection to
// each configured relay, independent of the long-lived pool.  Each
// query terminates on the relay's end-of-stored-events signal, with a
// hard per-relay timeout as a backstop against unresponsive relays.
// One relay failing never affects the others.
func (c *Client) fetchHistoricalWelcomes() []*wire.Event {
	if len(c.relays) == 0 {
		return nil
	}

	var (
		mu    sync.Mutex
		found []*wire.Event
		seen  = make(map[string]bool)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for _, url := range c.relays {
		url := url
		g.Go(func() error {
			evs, err := fetchWelcomesFromRelay(ctx, url, c.identity, c.rescanTimeout)
			if err != nil {
				// Partial results gathered before the failure still
				// count.
				c.log.Warningf("rescan %s: %v", url, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range evs {
				if !seen[ev.ID] {
					seen[ev.ID] = true
					found = append(found, ev)
				}
			}
			return nil
		})
	}
	g.Wait()
	return found
}

func fetchWelcomesFromRelay(ctx context.Context, url, identity string, timeout time.Duration) ([]*wire.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	subID := uuid.New().String()
	req, err := wire.ReqFrame(subID, &wire.Filter{
		Kinds: []int{wire.KindWelcome},
		Tags:  map[string][]string{wire.TagRecipient: {identity}},
	})
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, err
	}

	var events []*wire.Event
	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return events, err
		}
		frame, err := wire.ParseFrame(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case wire.FrameEvent:
			ev := frame.Event
			if frame.Sub != subID || ev.Kind != wire.KindWelcome {
				continue
			}
			if ev.VerifyID() != nil || wire.CheckSignature(ev) != nil {
				continue
			}
			events = append(events, ev)
		case wire.FrameEOSE:
			if frame.Sub != subID {
				continue
			}
			if closeFrame, err := wire.CloseFrame(subID); err == nil {
				conn.WriteMessage(websocket.TextMessage, closeFrame)
			}
			return events, nil
		case wire.FrameClosed:
			if frame.Sub == subID {
				return events, nil
			}
		}
	}
}
