// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the relay wire format: signed typed events,
// their canonical identifiers, and the JSON array frames exchanged
// with relays.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds consumed and produced by this client.
const (
	KindMetadata     = 0
	KindKeyPackage   = 443
	KindWelcome      = 444
	KindGroupMessage = 445
)

// Tag names.  TagGroup is the current group identifier tag; TagGroupLegacy
// was written by older revisions and is still honored on receipt.
const (
	TagGroup           = "h"
	TagGroupLegacy     = "g"
	TagRecipient       = "p"
	TagEventRef        = "e"
	TagRelays          = "relays"
	TagEncoding        = "encoding"
	TagCiphersuite     = "mls_ciphersuite"
	TagProtocolVersion = "mls_protocol_version"
)

var (
	// ErrInvalidID is returned when an event's carried identifier does
	// not match the digest recomputed over its canonical serialization.
	ErrInvalidID = errors.New("wire: event ID mismatch")

	// ErrInvalidSignature is returned when an event's signature does
	// not verify against its author key.
	ErrInvalidSignature = errors.New("wire: invalid event signature")
)

// Event is a signed, typed record exchanged via relays.  ID is the
// lowercase hex SHA-256 digest of the canonical serialization and Sig
// is a 64-byte schnorr signature over the digest.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical pre-image used for ID computation:
// the JSON array [0, pubkey, created_at, kind, tags, content].  Tag
// order is preserved exactly as supplied; reordering changes the
// digest and breaks the signature.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	preimage := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(preimage); err != nil {
		return nil, err
	}
	// Encode appends a trailing newline which is not part of the
	// canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the canonical identifier for the event.
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(serialized)
	return hex.EncodeToString(digest[:]), nil
}

// VerifyID recomputes the event's canonical identifier and compares it
// against the carried ID.  This must be done at receipt time, before
// the event is routed anywhere.
func (e *Event) VerifyID() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return ErrInvalidID
	}
	return nil
}

// Sign computes the event's canonical identifier and signs it with the
// given signer, filling in ID, PubKey and Sig.
func (e *Event) Sign(signer Signer) error {
	e.PubKey = signer.PublicKey()
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("wire: signing failed: %v", err)
	}
	e.ID = id
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// Tag returns the first tag with the given name, or nil.
func (e *Event) Tag(name string) []string {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

// TagValue returns the value of the first tag with the given name, or
// the empty string.
func (e *Event) TagValue(name string) string {
	if t := e.Tag(name); len(t) > 1 {
		return t[1]
	}
	return ""
}

// GroupID returns the group identifier carried by the event,
// accepting both the current tag name and the legacy one.
func (e *Event) GroupID() string {
	if v := e.TagValue(TagGroup); v != "" {
		return v
	}
	return e.TagValue(TagGroupLegacy)
}
