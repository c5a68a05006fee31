// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package signing provides the device keypair lifecycle, canonical-JSON
// hashing, and ed25519 sign/verify for pack distribution.
//
// Each device generates exactly one ed25519 keypair, persisted under the
// state root's signing directory and never rotated automatically. While
// loaded, the private key lives in a memguard enclave and is only opened
// for the duration of a sign operation.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
)

// DeviceKeyPair is the persisted form of a device's signing identity.
type DeviceKeyPair struct {
	PublicKeyPem  string    `json:"publicKeyPem"`
	PrivateKeyPem string    `json:"privateKeyPem"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Signer holds a device's signing identity with the private key sealed in
// a memguard enclave.
//
// # Thread Safety
//
// Safe for concurrent use; the enclave is opened per sign call.
type Signer struct {
	publicPem string
	public    ed25519.PublicKey
	private   *memguard.Enclave
	createdAt time.Time
}

// EnsureSigningKeys loads the device keypair from the store's signing
// directory, generating and persisting a fresh ed25519 pair if the record
// is absent or malformed. Generation happens exactly once per device.
func EnsureSigningKeys(s *store.Store, logger *slog.Logger) (*Signer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "signing")

	var kp DeviceKeyPair
	ok, err := s.ReadJSON(s.DeviceKeyPath(), &kp)
	if err != nil {
		// A corrupt record is treated as absent; a fresh pair replaces it.
		logger.Warn("device key record unreadable, regenerating", "error", err.Error())
		ok = false
	}
	if ok {
		signer, err := newSignerFromPair(kp)
		if err == nil {
			return signer, nil
		}
		logger.Warn("device key record malformed, regenerating", "error", err.Error())
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	kp, err = encodePair(pub, priv)
	if err != nil {
		return nil, err
	}
	kp.CreatedAt = time.Now().UTC()

	if err := s.WriteJSON(s.DeviceKeyPath(), kp); err != nil {
		return nil, fmt.Errorf("persist device key: %w", err)
	}
	logger.Info("generated device signing key")

	return newSignerFromPair(kp)
}

// PublicKeyPem returns the device public key in PEM form, as embedded in
// pack manifests.
func (s *Signer) PublicKeyPem() string {
	return s.publicPem
}

// CreatedAt returns the key creation time.
func (s *Signer) CreatedAt() time.Time {
	return s.createdAt
}

// Fingerprint returns a short stable identifier for the device key: the
// first 16 hex characters of the SHA-256 of the public key PEM. Suitable
// as a device ID; never reveals key material.
func (s *Signer) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.publicPem))
	return hex.EncodeToString(sum[:])[:16]
}

// SignHash signs a hex-encoded hash with the device key.
//
// # Description
//
// The signature is raw ed25519 over the hash's hex bytes (not the decoded
// digest), matching the verification side exactly.
//
// # Outputs
//
//   - string: Base64-encoded signature.
//   - error: Non-nil if the enclave cannot be opened.
func (s *Signer) SignHash(hashHex string) (string, error) {
	buf, err := s.private.Open()
	if err != nil {
		return "", fmt.Errorf("open signing key: %w", err)
	}
	defer buf.Destroy()

	// crypto/ed25519 retains a weak pointer to the key's backing array,
	// which must live on the Go heap; the enclave buffer is mmap'd outside
	// it. Sign with a heap copy and wipe it before returning.
	priv := ed25519.PrivateKey(append([]byte(nil), buf.Bytes()...))
	sig := ed25519.Sign(priv, []byte(hashHex))
	memguard.WipeBytes(priv)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature verifies a base64 signature over a hex-encoded hash with
// a PEM public key. Any failure (bad key, bad encoding, bad signature)
// returns false, never an error.
func VerifySignature(publicKeyPem, hashHex, signatureB64 string) bool {
	pub, err := decodePublicPem(publicKeyPem)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(hashHex), sig)
}

// HashCanonicalJSON hashes a JSON-like value deterministically.
//
// # Description
//
// The value is serialized with every object's keys sorted (arrays keep
// their order) and the UTF-8 bytes are SHA-256 hashed. The result is
// identical regardless of field-insertion order on either side of a
// publish/verify boundary; determinism here is load-bearing.
//
// # Outputs
//
//   - string: Hex digest.
//   - error: Non-nil if the value cannot be serialized as JSON.
func HashCanonicalJSON(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func newSignerFromPair(kp DeviceKeyPair) (*Signer, error) {
	pub, err := decodePublicPem(kp.PublicKeyPem)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(kp.PrivateKeyPem))
	if block == nil {
		return nil, errors.New("signing: private key PEM is malformed")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing: private key is not ed25519")
	}

	return &Signer{
		publicPem: kp.PublicKeyPem,
		public:    pub,
		private:   memguard.NewEnclave(priv),
		createdAt: kp.CreatedAt,
	}, nil
}

func encodePair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (DeviceKeyPair, error) {
	pubDer, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return DeviceKeyPair{}, fmt.Errorf("encode public key: %w", err)
	}
	privDer, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return DeviceKeyPair{}, fmt.Errorf("encode private key: %w", err)
	}

	return DeviceKeyPair{
		PublicKeyPem:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer})),
		PrivateKeyPem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDer})),
	}, nil
}

func decodePublicPem(publicKeyPem string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPem))
	if block == nil {
		return nil, errors.New("signing: public key PEM is malformed")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("signing: public key is not ed25519")
	}
	return pub, nil
}
