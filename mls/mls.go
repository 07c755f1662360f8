// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mls defines the capability interface to the external group
// encryption engine.  This client only sequences calls to the engine;
// the actual key agreement cryptography lives behind this interface.
package mls

import "errors"

// ErrDecryption is the sentinel wrapped by all decryption and
// commit-processing failures.  It signals corrupted or out-of-sync
// group state, recoverable only via a group reset.
var ErrDecryption = errors.New("mls: decryption failed")

// KeyPackage is a publishable key-package announcement: the event
// content plus the tags describing its encoding and ciphersuite.
type KeyPackage struct {
	Content string
	Tags    [][]string
}

// GroupInfo describes a group as known to the encryption engine.
type GroupInfo struct {
	GroupID []byte
	Name    string
	Epoch   uint64
	// Members holds the hex public keys of the current members.
	Members []string
}

// AddMemberResult is the output of AddMember: a welcome payload for
// the invitee and, when the engine produced one, a commit payload
// that must be published to existing members strictly before the
// welcome.
type AddMemberResult struct {
	Welcome []byte
	Commit  []byte
}

// ApplicationMessage is a successfully decrypted group message.
type ApplicationMessage struct {
	Sender    string
	Plaintext []byte
	Epoch     uint64
}

// ProcessResult distinguishes the two outcomes of processing an
// inbound group message: an application message, or a membership
// commit that advanced the group epoch.
type ProcessResult struct {
	// Application is nil when the message was a commit.
	Application *ApplicationMessage

	// Epoch is the group epoch after processing.
	Epoch uint64

	// Members is the post-commit member list, populated when the
	// message was a commit; nil means the membership is unchanged.
	Members []string
}

// GroupCrypto is the external group-encryption capability.  All
// operations may be long-running and all fallible operations return
// errors rather than panicking, so the caller's error taxonomy stays
// uniform.  Implementations own native resources; Close releases
// them.
type GroupCrypto interface {
	// GenerateKeyPackage produces a fresh key package for the local
	// identity, ready to be wrapped in a key-package event and
	// published so peers can invite us.
	GenerateKeyPackage() (*KeyPackage, error)

	// CreateGroup creates a new group with the local identity as the
	// sole member and admin.
	CreateGroup(name string) (*GroupInfo, error)

	// AddMember adds a member described by their serialized
	// key-package event.
	AddMember(groupID []byte, keyPackageEvent []byte) (*AddMemberResult, error)

	// RemoveMember removes a member and returns the commit payload.
	RemoveMember(groupID []byte, memberKey string) ([]byte, error)

	// ProcessWelcome joins the group a welcome payload admits us to.
	// wrapperEventID is the id of the wire event that delivered it.
	ProcessWelcome(welcome []byte, wrapperEventID string) (*GroupInfo, error)

	// Encrypt encrypts an application message for the group.
	Encrypt(groupID []byte, plaintext []byte) ([]byte, error)

	// ProcessMessage decrypts an inbound group message or applies an
	// inbound commit.  Failures wrap ErrDecryption.
	ProcessMessage(groupID []byte, ciphertext []byte) (*ProcessResult, error)

	// UpdateKeys rotates the local leaf keys and returns the commit
	// payload.
	UpdateKeys(groupID []byte) ([]byte, error)

	// ExportState exports the group's opaque state blob for
	// persistence.
	ExportState(groupID []byte) ([]byte, error)

	// ImportState restores a previously exported state blob.
	ImportState(groupID []byte, state []byte) error

	// ForgetGroup discards all engine state for the group.  Used by
	// group reset.
	ForgetGroup(groupID []byte) error

	// Close releases the engine's resources.
	Close() error
}
