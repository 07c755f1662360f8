// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package chat

import "github.com/openchat/marmot/storage"

// InviteStore is the dedup/dismiss/persist bookkeeping for pending
// invitations.  All four mutating operations are idempotent; no other
// business logic lives here.
type InviteStore struct {
	store *storage.Store
}

// NewInviteStore wraps the record store.
func NewInviteStore(store *storage.Store) *InviteStore {
	return &InviteStore{store: store}
}

// Save persists an invite keyed by its originating wire-event id.
// Insert-or-ignore: it never overwrites.  Returns true iff the invite
// was newly inserted.
func (s *InviteStore) Save(inv *storage.PendingInvite) (bool, error) {
	return s.store.SaveInvite(inv)
}

// Dismiss tombstones the event id so its welcome is never
// re-surfaced.  Insert-or-ignore.
func (s *InviteStore) Dismiss(eventID string) error {
	return s.store.Dismiss(eventID)
}

// Undismiss removes the tombstone.  Only group reset uses this.
func (s *InviteStore) Undismiss(eventID string) error {
	return s.store.Undismiss(eventID)
}

// Delete removes a resolved invite.
func (s *InviteStore) Delete(eventID string) error {
	return s.store.DeleteInvite(eventID)
}

// Has reports whether an invite exists for the event id.
func (s *InviteStore) Has(eventID string) (bool, error) {
	return s.store.HasInvite(eventID)
}

// IsDismissed reports whether the event id is tombstoned.
func (s *InviteStore) IsDismissed(eventID string) (bool, error) {
	return s.store.IsDismissed(eventID)
}

// Get returns the invite for the event id.
func (s *InviteStore) Get(eventID string) (*storage.PendingInvite, error) {
	return s.store.GetInvite(eventID)
}

// List returns all pending invites.
func (s *InviteStore) List() ([]*storage.PendingInvite, error) {
	return s.store.ListInvites()
}
