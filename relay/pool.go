// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/openchat/marmot/core/log"
)

const (
	statusQueueDepth = 32
	frameQueueDepth  = 256
)

var errUnknownRelay = errors.New("relay: no such relay")

// Pool owns zero or more relay links keyed by URL.  Publishes fan out
// to every open link; inbound frames and status transitions from all
// links are funneled onto single aggregated channels.
type Pool struct {
	sync.RWMutex

	links  map[string]*link
	subs   map[string][]byte
	halted bool

	statusCh chan *StatusEvent
	frameCh  chan *RawFrame

	log        *logging.Logger
	logBackend *log.Backend
}

// NewPool creates an empty Pool.
func NewPool(logBackend *log.Backend) *Pool {
	return &Pool{
		links:      make(map[string]*link),
		subs:       make(map[string][]byte),
		statusCh:   make(chan *StatusEvent, statusQueueDepth),
		frameCh:    make(chan *RawFrame, frameQueueDepth),
		log:        logBackend.GetLogger("relay"),
		logBackend: logBackend,
	}
}

// StatusEvents returns the aggregated connection-status stream.
func (p *Pool) StatusEvents() <-chan *StatusEvent {
	return p.statusCh
}

// Frames returns the aggregated inbound raw-frame stream.
func (p *Pool) Frames() <-chan *RawFrame {
	return p.frameCh
}

// Connect dials every URL concurrently and independently; one URL
// failing never affects the others.  Failures are reported on the
// status stream, not returned.
func (p *Pool) Connect(urls []string) {
	for _, url := range urls {
		go p.connectOne(url)
	}
}

func (p *Pool) connectOne(url string) {
	l, err := dialLink(url, p.log, p.handleFrame, p.handleDrop)
	if err != nil {
		p.log.Warningf("relay %s: connect failed: %v", url, err)
		p.emitStatus(&StatusEvent{URL: url, Connected: false, Err: err})
		return
	}

	p.Lock()
	if p.halted {
		p.Unlock()
		go l.close()
		return
	}
	if old, ok := p.links[url]; ok {
		go old.close()
	}
	p.links[url] = l
	subs := make([][]byte, 0, len(p.subs))
	for _, frame := range p.subs {
		subs = append(subs, frame)
	}
	p.Unlock()

	// Replay active subscriptions on the fresh connection.
	for _, frame := range subs {
		if err := l.send(frame); err != nil {
			p.log.Warningf("relay %s: subscription replay failed: %v", url, err)
		}
	}
	p.emitStatus(&StatusEvent{URL: url, Connected: true})
}

// Publish sends the frame to every currently-open link.  It does not
// wait for relay acknowledgement; OK frames arrive asynchronously on
// the frame stream.
func (p *Pool) Publish(frame []byte) {
	p.RLock()
	defer p.RUnlock()
	for url, l := range p.links {
		if err := l.send(frame); err != nil {
			p.log.Warningf("relay %s: publish dropped: %v", url, err)
		}
	}
}

// Subscribe registers a subscription frame that is sent to all open
// links now and replayed on every future (re)connection.
func (p *Pool) Subscribe(subID string, frame []byte) {
	p.Lock()
	p.subs[subID] = frame
	p.Unlock()
	p.Publish(frame)
}

// Unsubscribe forgets a registered subscription.  The caller is
// responsible for publishing a CLOSE frame if the subscription is
// still live.
func (p *Pool) Unsubscribe(subID string) {
	p.Lock()
	delete(p.subs, subID)
	p.Unlock()
}

// ReconnectOne tears down and recreates exactly one connection,
// leaving all other relays undisturbed.
func (p *Pool) ReconnectOne(url string) error {
	p.Lock()
	l, ok := p.links[url]
	if ok {
		delete(p.links, url)
	}
	p.Unlock()
	if l != nil {
		l.close()
	}
	if !ok {
		// Never connected or previously dropped; a fresh dial is
		// still a valid reconnect request.
		p.log.Debugf("relay %s: reconnect of unconnected relay", url)
	}
	go p.connectOne(url)
	return nil
}

// DisconnectOne removes a relay entirely.  The status event carries
// Removed=true so consumers can tell intentional removal from a
// transient drop.
func (p *Pool) DisconnectOne(url string) error {
	p.Lock()
	l, ok := p.links[url]
	if ok {
		delete(p.links, url)
	}
	p.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownRelay, url)
	}
	l.close()
	p.emitStatus(&StatusEvent{URL: url, Connected: false, Removed: true})
	return nil
}

// Disconnect closes every link and halts the pool.  Already-closed
// connections are tolerated.
func (p *Pool) Disconnect() {
	p.Lock()
	p.halted = true
	links := p.links
	p.links = make(map[string]*link)
	p.Unlock()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			l.close()
		}(l)
	}
	wg.Wait()
}

// ConnectedRelays returns the URLs with a currently-open link.
func (p *Pool) ConnectedRelays() []string {
	p.RLock()
	defer p.RUnlock()
	urls := make([]string, 0, len(p.links))
	for url := range p.links {
		urls = append(urls, url)
	}
	return urls
}

func (p *Pool) handleFrame(f *RawFrame) {
	select {
	case p.frameCh <- f:
	default:
		p.log.Warningf("relay %s: inbound frame dropped, consumer too slow", f.URL)
	}
}

func (p *Pool) handleDrop(l *link, err error) {
	p.Lock()
	if p.links[l.url] == l {
		delete(p.links, l.url)
	}
	p.Unlock()
	// Called from the link's own read loop; closing must not wait for
	// that loop to return.
	go l.close()
	p.emitStatus(&StatusEvent{URL: l.url, Connected: false, Err: err})
}

func (p *Pool) emitStatus(ev *StatusEvent) {
	select {
	case p.statusCh <- ev:
	default:
		p.log.Warningf("status event dropped: %s", ev)
	}
}
