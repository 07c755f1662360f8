// SPDX-FileCopyrightText: 2025 OpenChat Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	// PublicKeySize is the size of a serialized author public key.
	PublicKeySize = 32

	// SignatureSize is the size of an event signature.
	SignatureSize = 64
)

// Signer produces schnorr signatures over event digests.  The private
// key never leaves the implementation.
type Signer interface {
	// Sign signs a 32-byte digest and returns a 64-byte signature.
	Sign(digest []byte) ([]byte, error)

	// PublicKey returns the hex-encoded public counterpart.
	PublicKey() string
}

// SchnorrSigner is a Signer holding a secp256k1 private key in memory.
type SchnorrSigner struct {
	priv   *secp256k1.PrivateKey
	pubHex string
}

// NewSchnorrSigner constructs a SchnorrSigner from a hex-encoded
// 32-byte private key.
func NewSchnorrSigner(privHex string) (*SchnorrSigner, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed private key: %v", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("wire: private key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	// Serialized public keys carry only the X coordinate and are
	// interpreted as having an even Y; negate the private key when
	// needed so signatures verify against that interpretation.
	if priv.PubKey().SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		priv.Key.Negate()
	}
	pub := priv.PubKey().SerializeCompressed()[1:]
	return &SchnorrSigner{
		priv:   priv,
		pubHex: hex.EncodeToString(pub),
	}, nil
}

// Sign signs the digest.
func (s *SchnorrSigner) Sign(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(s.priv, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// PublicKey returns the hex-encoded public key.
func (s *SchnorrSigner) PublicKey() string {
	return s.pubHex
}

// CheckSignature verifies the event's signature against its author
// key.  The event ID is assumed to already have been verified.
func CheckSignature(e *Event) error {
	pubRaw, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubRaw) != PublicKeySize {
		return ErrInvalidSignature
	}
	compressed := make([]byte, 0, PublicKeySize+1)
	compressed = append(compressed, secp256k1.PubKeyFormatCompressedEven)
	compressed = append(compressed, pubRaw...)
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return ErrInvalidSignature
	}
	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigRaw) != SignatureSize {
		return ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return ErrInvalidSignature
	}
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrInvalidSignature
	}
	if !sig.Verify(digest, pub) {
		return ErrInvalidSignature
	}
	return nil
}
