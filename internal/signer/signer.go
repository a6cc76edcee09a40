// Package signer abstracts the operations a CA or Publication Server needs
// from a private key backend: creating and destroying keys, signing, and
// deriving the SHA-1 key identifier used throughout RPKI certificates.
// softsigner is the only backend; the interface exists so a future
// hardware- or remote-backed signer can be swapped in without touching
// callers.
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rpki-io/krillgo/internal/apperr"
)

// KeyIdentifier is the SHA-1 hash of a key's SubjectPublicKeyInfo, the
// identifier RPKI certificates and the CA's own bookkeeping use to refer
// to a key without embedding the full public key.
type KeyIdentifier string

// PublicKeyInfo describes a key's public half: its identifier and the
// DER-encoded SubjectPublicKeyInfo signing operations certify over.
type PublicKeyInfo struct {
	KeyIdentifier KeyIdentifier
	SPKI          []byte
}

// Signer is the minimal set of operations the CA and Publication Server
// aggregates need from a private key store.
type Signer interface {
	// CreateKey generates a new P-256 key pair and returns its identifier.
	CreateKey() (KeyIdentifier, error)
	// DestroyKey removes a key. Signing with a destroyed key fails.
	DestroyKey(id KeyIdentifier) error
	// Sign produces a raw ECDSA signature (ASN.1 DER, per crypto/ecdsa) of
	// data's SHA-256 digest under the named key.
	Sign(id KeyIdentifier, data []byte) ([]byte, error)
	// PublicKeyInfo returns the key's identifier and SPKI encoding.
	PublicKeyInfo(id KeyIdentifier) (PublicKeyInfo, error)
	// RandomBytes returns n cryptographically secure random bytes.
	RandomBytes(n int) ([]byte, error)
}

// softsigner is an in-process Signer backed by P-256 ECDSA keys held in
// memory. It is the only backend this system ships; a hardware security
// module or remote signer would implement the same interface.
type softsigner struct {
	mu   sync.RWMutex
	keys map[KeyIdentifier]*ecdsa.PrivateKey
}

// NewSoftSigner returns an empty in-memory Signer.
func NewSoftSigner() Signer {
	return &softsigner{keys: make(map[KeyIdentifier]*ecdsa.PrivateKey)}
}

func (s *softsigner) CreateKey() (KeyIdentifier, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", apperr.SignerFailure("create_key", err)
	}
	id, err := keyIdentifierFor(&priv.PublicKey)
	if err != nil {
		return "", apperr.SignerFailure("create_key", err)
	}
	s.mu.Lock()
	s.keys[id] = priv
	s.mu.Unlock()
	return id, nil
}

func (s *softsigner) DestroyKey(id KeyIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return apperr.SignerFailure("destroy_key", fmt.Errorf("unknown key %s", id))
	}
	delete(s.keys, id)
	return nil
}

func (s *softsigner) Sign(id KeyIdentifier, data []byte) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.SignerFailure("sign", fmt.Errorf("unknown key %s", id))
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, apperr.SignerFailure("sign", err)
	}
	return sig, nil
}

func (s *softsigner) PublicKeyInfo(id KeyIdentifier) (PublicKeyInfo, error) {
	s.mu.RLock()
	priv, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return PublicKeyInfo{}, apperr.SignerFailure("public_key_info", fmt.Errorf("unknown key %s", id))
	}
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return PublicKeyInfo{}, apperr.SignerFailure("public_key_info", err)
	}
	return PublicKeyInfo{KeyIdentifier: id, SPKI: spki}, nil
}

func (s *softsigner) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, apperr.SignerFailure("random_bytes", err)
	}
	return b, nil
}

// keyIdentifierFor derives the RPKI key identifier: the SHA-1 digest of
// the key's DER-encoded SubjectPublicKeyInfo, hex-encoded.
func keyIdentifierFor(pub *ecdsa.PublicKey) (KeyIdentifier, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(spki)
	return KeyIdentifier(hex.EncodeToString(sum[:])), nil
}
