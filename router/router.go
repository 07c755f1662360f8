// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router classifies inbound relay frames and republishes
// parsed events on kind-specific channels.
package router

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/openchat/marmot/core/log"
	"github.com/openchat/marmot/core/worker"
	"github.com/openchat/marmot/relay"
	"github.com/openchat/marmot/wire"
)

const kindQueueDepth = 64

// Router consumes the pool's raw-frame stream, validates each event's
// canonical identifier and signature at receipt time, and fans events
// out by kind.  Unparseable frames and events failing validation are
// logged and dropped, never fatal.
type Router struct {
	worker.Worker

	frames <-chan *relay.RawFrame

	metadataCh     chan *wire.Event
	keyPackageCh   chan *wire.Event
	welcomeCh      chan *wire.Event
	groupMessageCh chan *wire.Event
	relayNotifyCh  chan *wire.Frame

	log *logging.Logger
}

// New creates a Router consuming frames and starts its worker.
func New(logBackend *log.Backend, frames <-chan *relay.RawFrame) *Router {
	r := &Router{
		frames:         frames,
		metadataCh:     make(chan *wire.Event, kindQueueDepth),
		keyPackageCh:   make(chan *wire.Event, kindQueueDepth),
		welcomeCh:      make(chan *wire.Event, kindQueueDepth),
		groupMessageCh: make(chan *wire.Event, kindQueueDepth),
		relayNotifyCh:  make(chan *wire.Frame, kindQueueDepth),
		log:            logBackend.GetLogger("router"),
	}
	r.Go(r.worker)
	return r
}

// Metadata returns the profile-metadata event stream.
func (r *Router) Metadata() <-chan *wire.Event { return r.metadataCh }

// KeyPackages returns the key-package event stream.
func (r *Router) KeyPackages() <-chan *wire.Event { return r.keyPackageCh }

// Welcomes returns the welcome event stream.
func (r *Router) Welcomes() <-chan *wire.Event { return r.welcomeCh }

// GroupMessages returns the group message/commit event stream.
func (r *Router) GroupMessages() <-chan *wire.Event { return r.groupMessageCh }

// RelayNotifications returns OK/NOTICE/EOSE/CLOSED frames, for
// observability only.
func (r *Router) RelayNotifications() <-chan *wire.Frame { return r.relayNotifyCh }

func (r *Router) worker() {
	for {
		select {
		case <-r.HaltCh():
			return
		case raw, ok := <-r.frames:
			if !ok {
				return
			}
			r.route(raw)
		}
	}
}

func (r *Router) route(raw *relay.RawFrame) {
	frame, err := wire.ParseFrame(raw.Data)
	if err != nil {
		r.log.Debugf("relay %s: dropping frame: %v", raw.URL, err)
		return
	}

	if frame.Type != wire.FrameEvent {
		select {
		case r.relayNotifyCh <- frame:
		default:
			// Acknowledgements are purely informational.
		}
		return
	}

	ev := frame.Event
	if err := ev.VerifyID(); err != nil {
		r.log.Warningf("relay %s: dropping event with bad ID %s", raw.URL, ev.ID)
		return
	}
	if err := wire.CheckSignature(ev); err != nil {
		r.log.Warningf("relay %s: dropping event %s: %v", raw.URL, ev.ID, err)
		return
	}

	var ch chan *wire.Event
	switch ev.Kind {
	case wire.KindMetadata:
		ch = r.metadataCh
	case wire.KindKeyPackage:
		ch = r.keyPackageCh
	case wire.KindWelcome:
		ch = r.welcomeCh
	case wire.KindGroupMessage:
		ch = r.groupMessageCh
	default:
		r.log.Debugf("relay %s: ignoring event of kind %d", raw.URL, ev.Kind)
		return
	}

	select {
	case ch <- ev:
	case <-r.HaltCh():
	}
}
