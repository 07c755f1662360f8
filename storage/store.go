// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the persistent record store with a
// simple boltdb backend.  Records are CBOR-encoded.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	chatsBucket      = "chats"
	messagesBucket   = "messages"
	invitesBucket    = "invites"
	dismissedBucket  = "dismissed"
	groupStateBucket = "groupState"
	processedBucket  = "processed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Store is the boltdb-backed record store.
type Store struct {
	db *bolt.DB
}

// New opens (creating as needed) the record store at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{chatsBucket, messagesBucket, invitesBucket, dismissedBucket, groupStateBucket, processedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the backing database.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

// PutChat inserts or replaces a chat record.
func (s *Store) PutChat(c *Chat) error {
	blob, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(chatsBucket)).Put([]byte(c.ID), blob)
	})
}

// GetChat returns the chat with the given id.
func (s *Store) GetChat(id string) (*Chat, error) {
	c := new(Chat)
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(chatsBucket)).Get([]byte(id))
		if blob == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(blob, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChats returns all chat records.
func (s *Store) ListChats() ([]*Chat, error) {
	var chats []*Chat
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(chatsBucket)).ForEach(func(k, v []byte) error {
			c := new(Chat)
			if err := cbor.Unmarshal(v, c); err != nil {
				return err
			}
			chats = append(chats, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chats, nil
}

// DeleteChat removes a chat and all of its messages.
func (s *Store) DeleteChat(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(chatsBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		mBkt := tx.Bucket([]byte(messagesBucket))
		if mBkt.Bucket([]byte(id)) == nil {
			return nil
		}
		return mBkt.DeleteBucket([]byte(id))
	})
}

// AppendMessage appends a message to a chat's log.
func (s *Store) AppendMessage(m *Message) error {
	blob, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt, err := tx.Bucket([]byte(messagesBucket)).CreateBucketIfNotExists([]byte(m.ChatID))
		if err != nil {
			return err
		}
		seq, err := cBkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return cBkt.Put(key[:], blob)
	})
}

// Messages returns a chat's messages in append order.
func (s *Store) Messages(chatID string) ([]*Message, error) {
	var msgs []*Message
	err := s.db.View(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(messagesBucket)).Bucket([]byte(chatID))
		if cBkt == nil {
			return nil
		}
		return cBkt.ForEach(func(k, v []byte) error {
			m := new(Message)
			if err := cbor.Unmarshal(v, m); err != nil {
				return err
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// SaveInvite stores a pending invite keyed by its originating
// wire-event id.  It is insert-or-ignore: a second invite for the
// same event id never overwrites the first.  The returned bool is
// true iff the record was inserted.
func (s *Store) SaveInvite(inv *PendingInvite) (bool, error) {
	blob, err := cbor.Marshal(inv)
	if err != nil {
		return false, err
	}
	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(invitesBucket))
		if bkt.Get([]byte(inv.EventID)) != nil {
			return nil
		}
		inserted = true
		return bkt.Put([]byte(inv.EventID), blob)
	})
	return inserted, err
}

// GetInvite returns the invite with the given originating event id.
func (s *Store) GetInvite(eventID string) (*PendingInvite, error) {
	inv := new(PendingInvite)
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(invitesBucket)).Get([]byte(eventID))
		if blob == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(blob, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// HasInvite reports whether an invite exists for the event id.
func (s *Store) HasInvite(eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(invitesBucket)).Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

// ListInvites returns all pending invites.
func (s *Store) ListInvites() ([]*PendingInvite, error) {
	var invites []*PendingInvite
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(invitesBucket)).ForEach(func(k, v []byte) error {
			inv := new(PendingInvite)
			if err := cbor.Unmarshal(v, inv); err != nil {
				return err
			}
			invites = append(invites, inv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return invites, nil
}

// DeleteInvite removes a resolved invite.  Deleting a missing invite
// is not an error.
func (s *Store) DeleteInvite(eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(invitesBucket)).Delete([]byte(eventID))
	})
}

// Dismiss writes a permanent tombstone for the event id.  It is
// insert-or-ignore.
func (s *Store) Dismiss(eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(dismissedBucket))
		if bkt.Get([]byte(eventID)) != nil {
			return nil
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
		return bkt.Put([]byte(eventID), ts[:])
	})
}

// Undismiss removes an event id's tombstone so the same welcome can
// be rediscovered.  Only group reset uses this.
func (s *Store) Undismiss(eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dismissedBucket)).Delete([]byte(eventID))
	})
}

// IsDismissed reports whether the event id is tombstoned.
func (s *Store) IsDismissed(eventID string) (bool, error) {
	var dismissed bool
	err := s.db.View(func(tx *bolt.Tx) error {
		dismissed = tx.Bucket([]byte(dismissedBucket)).Get([]byte(eventID)) != nil
		return nil
	})
	return dismissed, err
}

// MarkProcessed durably records that a group's wire event has been
// fully handled, so restarts never re-run it.  Insert-or-ignore.
func (s *Store) MarkProcessed(groupID []byte, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		gBkt, err := tx.Bucket([]byte(processedBucket)).CreateBucketIfNotExists(groupID)
		if err != nil {
			return err
		}
		return gBkt.Put([]byte(eventID), []byte{})
	})
}

// ListProcessed returns every processed wire-event id across all
// groups.
func (s *Store) ListProcessed() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		pBkt := tx.Bucket([]byte(processedBucket))
		return pBkt.ForEachBucket(func(gk []byte) error {
			return pBkt.Bucket(gk).ForEach(func(k, v []byte) error {
				ids = append(ids, string(k))
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GroupProcessed returns the processed wire-event ids for one group.
func (s *Store) GroupProcessed(groupID []byte) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		gBkt := tx.Bucket([]byte(processedBucket)).Bucket(groupID)
		if gBkt == nil {
			return nil
		}
		return gBkt.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ForgetProcessed drops every processed id recorded for the group, so
// a re-joined group's history is processable again after a reset.
func (s *Store) ForgetProcessed(groupID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pBkt := tx.Bucket([]byte(processedBucket))
		if pBkt.Bucket(groupID) == nil {
			return nil
		}
		return pBkt.DeleteBucket(groupID)
	})
}

// PutGroupState stores the opaque crypto state blob for a group,
// replacing any previous blob.  The write is durable before this
// returns; a crypto operation is not considered done until its state
// export has passed through here.
func (s *Store) PutGroupState(groupID []byte, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupStateBucket)).Put(groupID, state)
	})
}

// GroupState returns the stored state blob for a group.
func (s *Store) GroupState(groupID []byte) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(groupStateBucket)).Get(groupID)
		if blob == nil {
			return ErrNotFound
		}
		state = make([]byte, len(blob))
		copy(state, blob)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteGroupState removes a group's state blob.
func (s *Store) DeleteGroupState(groupID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupStateBucket)).Delete(groupID)
	})
}

// ListGroupStates returns the group ids with stored state blobs.
func (s *Store) ListGroupStates() ([][]byte, error) {
	var ids [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupStateBucket)).ForEach(func(k, v []byte) error {
			id := make([]byte, len(k))
			copy(id, k)
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
