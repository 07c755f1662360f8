// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay maintains websocket connections to the configured
// relays: one receive loop per relay, fan-out publishing, and an
// aggregated status stream.
package relay

import "fmt"

// StatusEvent is emitted once per relay per connection state
// transition.
type StatusEvent struct {
	// URL identifies the relay.
	URL string

	// Connected is true iff the relay connection is up.
	Connected bool

	// Err is the error that caused a drop or failed connect, if any.
	Err error

	// Removed is true when the relay was intentionally removed, as
	// opposed to a transient connection failure.
	Removed bool
}

// String returns a string representation of the StatusEvent.
func (e *StatusEvent) String() string {
	switch {
	case e.Removed:
		return fmt.Sprintf("RelayStatus: %s removed", e.URL)
	case e.Connected:
		return fmt.Sprintf("RelayStatus: %s connected", e.URL)
	case e.Err != nil:
		return fmt.Sprintf("RelayStatus: %s down (%v)", e.URL, e.Err)
	default:
		return fmt.Sprintf("RelayStatus: %s down", e.URL)
	}
}

// RawFrame is one inbound relay frame tagged with its origin.
type RawFrame struct {
	URL  string
	Data []byte
}
