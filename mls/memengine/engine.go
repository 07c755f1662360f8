// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memengine is an in-memory development and test
// implementation of the group-encryption capability.  It keeps the
// capability's contract (epochs, welcomes, commits, exportable state)
// but provides none of the MLS guarantees: there is no ratchet, no
// forward secrecy, and one static symmetric key per epoch.  Never use
// it outside development.
package memengine

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/openchat/marmot/mls"
	"github.com/openchat/marmot/wire"
)

const (
	keySize   = 32
	nonceSize = 24
)

var errClosed = errors.New("memengine: engine is closed")

type group struct {
	ID      []byte   `cbor:"id"`
	Name    string   `cbor:"name"`
	Epoch   uint64   `cbor:"epoch"`
	Members []string `cbor:"members"`
	Key     [32]byte `cbor:"key"`
}

type envelope struct {
	Commit  bool      `cbor:"commit"`
	Sender  string    `cbor:"sender"`
	Epoch   uint64    `cbor:"epoch"`
	Body    []byte    `cbor:"body,omitempty"`
	NewKey  *[32]byte `cbor:"new_key,omitempty"`
	Added   []string  `cbor:"added,omitempty"`
	Removed []string  `cbor:"removed,omitempty"`
}

// Engine implements mls.GroupCrypto in memory.
type Engine struct {
	sync.Mutex

	identity string
	groups   map[string]*group
	closed   bool
}

// New creates an Engine for the given local identity (hex public
// key).
func New(identity string) *Engine {
	return &Engine{
		identity: identity,
		groups:   make(map[string]*group),
	}
}

func (e *Engine) group(groupID []byte) (*group, error) {
	if e.closed {
		return nil, errClosed
	}
	g, ok := e.groups[string(groupID)]
	if !ok {
		return nil, fmt.Errorf("memengine: unknown group %x", groupID)
	}
	return g, nil
}

// GenerateKeyPackage produces a publishable key package for the local
// identity.
func (e *Engine) GenerateKeyPackage() (*mls.KeyPackage, error) {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, errClosed
	}
	blob := make([]byte, 64)
	if _, err := rand.Read(blob); err != nil {
		return nil, err
	}
	return &mls.KeyPackage{
		Content: hex.EncodeToString(blob),
		Tags: [][]string{
			{wire.TagEncoding, "hex"},
			{wire.TagCiphersuite, "0x0001"},
			{wire.TagProtocolVersion, "1.0"},
		},
	}, nil
}

// CreateGroup creates a group with the local identity as sole member.
func (e *Engine) CreateGroup(name string) (*mls.GroupInfo, error) {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, errClosed
	}

	g := &group{
		ID:      make([]byte, keySize),
		Name:    name,
		Epoch:   0,
		Members: []string{e.identity},
	}
	if _, err := rand.Read(g.ID); err != nil {
		return nil, err
	}
	if _, err := rand.Read(g.Key[:]); err != nil {
		return nil, err
	}
	e.groups[string(g.ID)] = g
	return infoOf(g), nil
}

// AddMember admits the key package's author and returns a welcome for
// them plus a commit for the existing members.
func (e *Engine) AddMember(groupID []byte, keyPackageEvent []byte) (*mls.AddMemberResult, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}

	var kp struct {
		PubKey string `json:"pubkey"`
	}
	if err := json.Unmarshal(keyPackageEvent, &kp); err != nil {
		return nil, fmt.Errorf("memengine: malformed key package event: %v", err)
	}
	if kp.PubKey == "" {
		return nil, errors.New("memengine: key package has no author")
	}

	commit, err := g.seal(&envelope{Commit: true, Sender: e.identity, Epoch: g.Epoch + 1, Added: []string{kp.PubKey}})
	if err != nil {
		return nil, err
	}
	g.Epoch++
	g.Members = append(g.Members, kp.PubKey)

	welcome, err := cbor.Marshal(g)
	if err != nil {
		return nil, err
	}
	return &mls.AddMemberResult{Welcome: welcome, Commit: commit}, nil
}

// RemoveMember evicts a member, rotating the group key so the evicted
// member cannot read subsequent messages.
func (e *Engine) RemoveMember(groupID []byte, memberKey string) ([]byte, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}

	var newKey [32]byte
	if _, err := rand.Read(newKey[:]); err != nil {
		return nil, err
	}
	commit, err := g.seal(&envelope{Commit: true, Sender: e.identity, Epoch: g.Epoch + 1, NewKey: &newKey, Removed: []string{memberKey}})
	if err != nil {
		return nil, err
	}
	g.Epoch++
	g.Key = newKey
	kept := g.Members[:0]
	for _, m := range g.Members {
		if m != memberKey {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	return commit, nil
}

// ProcessWelcome installs the group state a welcome delivers.
func (e *Engine) ProcessWelcome(welcome []byte, wrapperEventID string) (*mls.GroupInfo, error) {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return nil, errClosed
	}

	g := new(group)
	if err := cbor.Unmarshal(welcome, g); err != nil {
		return nil, fmt.Errorf("memengine: malformed welcome: %v", err)
	}
	if len(g.ID) == 0 {
		return nil, errors.New("memengine: welcome has no group id")
	}
	e.groups[string(g.ID)] = g
	return infoOf(g), nil
}

// Encrypt seals an application message under the group's current key.
func (e *Engine) Encrypt(groupID []byte, plaintext []byte) ([]byte, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}
	return g.seal(&envelope{Sender: e.identity, Epoch: g.Epoch, Body: plaintext})
}

// ProcessMessage opens an inbound message or applies an inbound
// commit.  Failures wrap mls.ErrDecryption.
func (e *Engine) ProcessMessage(groupID []byte, ciphertext []byte) (*mls.ProcessResult, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}

	env, err := g.open(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Commit {
		if env.Epoch > g.Epoch {
			g.Epoch = env.Epoch
		}
		if env.NewKey != nil {
			g.Key = *env.NewKey
		}
		for _, m := range env.Added {
			g.Members = appendUniqueMember(g.Members, m)
		}
		for _, removed := range env.Removed {
			kept := g.Members[:0]
			for _, m := range g.Members {
				if m != removed {
					kept = append(kept, m)
				}
			}
			g.Members = kept
		}
		members := make([]string, len(g.Members))
		copy(members, g.Members)
		return &mls.ProcessResult{Epoch: g.Epoch, Members: members}, nil
	}
	return &mls.ProcessResult{
		Application: &mls.ApplicationMessage{
			Sender:    env.Sender,
			Plaintext: env.Body,
			Epoch:     env.Epoch,
		},
		Epoch: g.Epoch,
	}, nil
}

// UpdateKeys rotates the group key via a commit.
func (e *Engine) UpdateKeys(groupID []byte) ([]byte, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}

	var newKey [32]byte
	if _, err := rand.Read(newKey[:]); err != nil {
		return nil, err
	}
	commit, err := g.seal(&envelope{Commit: true, Sender: e.identity, Epoch: g.Epoch + 1, NewKey: &newKey})
	if err != nil {
		return nil, err
	}
	g.Epoch++
	g.Key = newKey
	return commit, nil
}

// ExportState serializes a group's state.
func (e *Engine) ExportState(groupID []byte) ([]byte, error) {
	e.Lock()
	defer e.Unlock()
	g, err := e.group(groupID)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(g)
}

// ImportState restores a previously exported group state.
func (e *Engine) ImportState(groupID []byte, state []byte) error {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return errClosed
	}
	g := new(group)
	if err := cbor.Unmarshal(state, g); err != nil {
		return fmt.Errorf("memengine: malformed state: %v", err)
	}
	e.groups[string(groupID)] = g
	return nil
}

// ForgetGroup discards all state for the group.
func (e *Engine) ForgetGroup(groupID []byte) error {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return errClosed
	}
	delete(e.groups, string(groupID))
	return nil
}

// Close wipes all group state.
func (e *Engine) Close() error {
	e.Lock()
	defer e.Unlock()
	e.groups = make(map[string]*group)
	e.closed = true
	return nil
}

func appendUniqueMember(members []string, m string) []string {
	for _, have := range members {
		if have == m {
			return members
		}
	}
	return append(members, m)
}

func infoOf(g *group) *mls.GroupInfo {
	members := make([]string, len(g.Members))
	copy(members, g.Members)
	id := make([]byte, len(g.ID))
	copy(id, g.ID)
	return &mls.GroupInfo{
		GroupID: id,
		Name:    g.Name,
		Epoch:   g.Epoch,
		Members: members,
	}
}

func (g *group) seal(env *envelope) ([]byte, error) {
	plaintext, err := cbor.Marshal(env)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &g.Key)
	return out, nil
}

func (g *group) open(ciphertext []byte) (*envelope, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: truncated ciphertext", mls.ErrDecryption)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &g.Key)
	if !ok {
		return nil, fmt.Errorf("%w: group %x", mls.ErrDecryption, g.ID)
	}
	env := new(envelope)
	if err := cbor.Unmarshal(plaintext, env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", mls.ErrDecryption)
	}
	return env, nil
}
