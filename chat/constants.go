// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import "time"

const (
	// DefaultSettleDelay is the pause between publishing a commit and
	// publishing the welcome that depends on the new epoch, so the
	// commit has time to propagate through the relays.
	DefaultSettleDelay = 500 * time.Millisecond

	// DefaultRescanTimeout is the per-relay hard timeout for a
	// historical welcome rescan; each query also terminates on the
	// relay's end-of-stored-events signal.
	DefaultRescanTimeout = 10 * time.Second

	// MinKeyPackageLength is the minimum content length for a
	// key-package event to be considered usable.
	MinKeyPackageLength = 64
)
