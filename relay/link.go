// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/openchat/marmot/core/worker"
)

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second

	sendQueueDepth = 64
)

var errSendQueueFull = errors.New("relay: send queue full")

// link is one bidirectional connection to one relay.  Its receive and
// write loops run under its own Worker so that halting one link never
// disturbs the others.
type link struct {
	worker.Worker

	url  string
	conn *websocket.Conn
	log  *logging.Logger

	sendCh    chan []byte
	closeOnce sync.Once

	// onFrame and onDrop are supplied by the pool.
	onFrame func(*RawFrame)
	onDrop  func(l *link, err error)
}

func dialLink(url string, log *logging.Logger, onFrame func(*RawFrame), onDrop func(*link, error)) (*link, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	l := &link{
		url:     url,
		conn:    conn,
		log:     log,
		sendCh:  make(chan []byte, sendQueueDepth),
		onFrame: onFrame,
		onDrop:  onDrop,
	}
	l.Go(l.readLoop)
	l.Go(l.writeLoop)
	return l, nil
}

// send enqueues a frame for transmission.  It never blocks; a full
// queue counts as a send failure on this relay only.
func (l *link) send(frame []byte) error {
	select {
	case l.sendCh <- frame:
		return nil
	case <-l.HaltCh():
		return errors.New("relay: link halted")
	default:
		return errSendQueueFull
	}
}

func (l *link) readLoop() {
	l.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.HaltCh():
				// Halted on purpose, not a drop.
			default:
				l.log.Warningf("relay %s: receive failed: %v", l.url, err)
				l.onDrop(l, err)
			}
			return
		}
		l.onFrame(&RawFrame{URL: l.url, Data: data})
	}
}

func (l *link) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-l.HaltCh():
			return
		case frame := <-l.sendCh:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				l.log.Warningf("relay %s: send failed: %v", l.url, err)
				// The read loop will observe the broken connection
				// and report the drop.
				return
			}
		case <-pingTicker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the link down, tolerating an already-closed connection,
// and waits for both loops to return.
func (l *link) close() {
	l.closeOnce.Do(func() {
		go l.Halt()
		l.conn.Close()
		l.Wait()
	})
}
