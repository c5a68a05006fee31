// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package signing

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.EnsureLayout())
	return s
}

func TestEnsureSigningKeysGeneratesOnce(t *testing.T) {
	s := newTestStore(t)

	first, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKeyPem())

	// A second call loads the same identity, never regenerates.
	second, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyPem(), second.PublicKeyPem())
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Len(t, first.Fingerprint(), 16)
}

func TestEnsureSigningKeysReplacesMalformedRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.WriteFile(s.DeviceKeyPath(), []byte(`{"publicKeyPem":"garbage"}`), 0o640))

	signer, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, signer.PublicKeyPem())
	assert.NotEqual(t, "garbage", signer.PublicKeyPem())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	signer, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)

	hash, err := HashCanonicalJSON(map[string]any{"a": 1, "b": "two"})
	require.NoError(t, err)

	sig, err := signer.SignHash(hash)
	require.NoError(t, err)

	assert.True(t, VerifySignature(signer.PublicKeyPem(), hash, sig))

	// Tampered hash, tampered signature, and bad key all verify false.
	assert.False(t, VerifySignature(signer.PublicKeyPem(), hash+"00", sig))
	assert.False(t, VerifySignature(signer.PublicKeyPem(), hash, "AAAA"+sig[4:]))
	assert.False(t, VerifySignature("not a pem", hash, sig))
	assert.False(t, VerifySignature(signer.PublicKeyPem(), hash, "not base64!!!"))
}

func TestSignHashSurvivesGC(t *testing.T) {
	s := newTestStore(t)
	signer, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)

	hash, err := HashCanonicalJSON(map[string]any{"n": 1})
	require.NoError(t, err)

	// Signing must never hand the runtime a pointer into the enclave's
	// locked pages; repeated signs with collections in between would
	// crash the process if it did.
	for i := 0; i < 8; i++ {
		sig, err := signer.SignHash(hash)
		require.NoError(t, err)
		assert.True(t, VerifySignature(signer.PublicKeyPem(), hash, sig))
		runtime.GC()
	}
}

func TestSignIsRepeatableAcrossLoads(t *testing.T) {
	s := newTestStore(t)
	signer, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)

	hash, err := HashCanonicalJSON(map[string]any{"x": true})
	require.NoError(t, err)

	sig1, err := signer.SignHash(hash)
	require.NoError(t, err)

	reloaded, err := EnsureSigningKeys(s, nil)
	require.NoError(t, err)
	sig2, err := reloaded.SignHash(hash)
	require.NoError(t, err)

	// ed25519 is deterministic; the persisted key must produce the same
	// signature after a reload.
	assert.Equal(t, sig1, sig2)
}

func TestHashCanonicalJSONKeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"version": "1.2.0",
		"entries": []any{
			map[string]any{"path": "/app/a.ts", "hash": "h1"},
			map[string]any{"hash": "h2", "path": "/app/b.ts"},
		},
		"name": "pack",
	}
	b := map[string]any{
		"name": "pack",
		"entries": []any{
			map[string]any{"hash": "h1", "path": "/app/a.ts"},
			map[string]any{"path": "/app/b.ts", "hash": "h2"},
		},
		"version": "1.2.0",
	}

	ha, err := HashCanonicalJSON(a)
	require.NoError(t, err)
	hb, err := HashCanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashCanonicalJSONArrayOrderMatters(t *testing.T) {
	h1, err := HashCanonicalJSON([]any{"a", "b"})
	require.NoError(t, err)
	h2, err := HashCanonicalJSON([]any{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashCanonicalJSONStructsAndMapsAgree(t *testing.T) {
	type manifest struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	hs, err := HashCanonicalJSON(manifest{Name: "p", Version: "1.0.0"})
	require.NoError(t, err)
	hm, err := HashCanonicalJSON(map[string]any{"version": "1.0.0", "name": "p"})
	require.NoError(t, err)
	assert.Equal(t, hs, hm)
}

func TestCanonicalJSONNumberLiteralsPreserved(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"n": 300000, "f": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.5,"n":300000}`, string(out))
}
