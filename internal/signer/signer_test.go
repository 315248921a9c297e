package signer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/pkg/core"
)

func testCreds() core.Credentials {
	return core.Credentials{
		APIKey:    "test-key",
		SecretKey: "test-secret",
	}
}

func TestNew_RejectsMalformedCredentials(t *testing.T) {
	_, err := New(core.Credentials{APIKey: "key-only"}, EncodingHex)
	require.Error(t, err)
	assert.True(t, core.IsAuthError(err))
	assert.False(t, core.IsRetryable(err))
}

func TestSignAt_Deterministic(t *testing.T) {
	s, err := New(testCreds(), EncodingHex)
	require.NoError(t, err)

	prehash := func(ts string) string { return ts + "GET/api/v3/account" }

	m1 := s.SignAt(prehash, "1700000000000")
	m2 := s.SignAt(prehash, "1700000000000")

	assert.Equal(t, m1.Signature, m2.Signature, "same inputs and timestamp must sign identically")
}

func TestSignAt_TimestampChangesSignature(t *testing.T) {
	s, err := New(testCreds(), EncodingHex)
	require.NoError(t, err)

	prehash := func(ts string) string { return ts + "GET/api/v3/account" }

	m1 := s.SignAt(prehash, "1700000000000")
	m2 := s.SignAt(prehash, "1700000000001")

	assert.NotEqual(t, m1.Signature, m2.Signature, "different timestamps must produce different signatures")
}

func TestSign_MonotonicTimestamps(t *testing.T) {
	s, err := New(testCreds(), EncodingHex)
	require.NoError(t, err)

	// Freeze the clock so every call sees the same wall time.
	frozen := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return frozen }

	prehash := func(ts string) string { return ts }

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		m := s.Sign(prehash)
		assert.False(t, seen[m.Timestamp], "timestamp %s issued twice", m.Timestamp)
		seen[m.Timestamp] = true
	}
}

func TestSign_NonceIncrementsOncePerRequest(t *testing.T) {
	s, err := New(testCreds(), EncodingHex)
	require.NoError(t, err)

	prehash := func(ts string) string { return ts }

	const workers = 50
	var wg sync.WaitGroup
	nonces := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonces <- s.Sign(prehash).Nonce
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[int64]bool)
	for n := range nonces {
		assert.False(t, seen[n], "nonce %d issued twice", n)
		seen[n] = true
	}
	assert.Equal(t, int64(workers), s.Nonce())
}

func TestDigest_Encodings(t *testing.T) {
	hexSigner, err := New(testCreds(), EncodingHex)
	require.NoError(t, err)
	b64Signer, err := New(testCreds(), EncodingBase64)
	require.NoError(t, err)

	hexSig := hexSigner.Digest("payload")
	b64Sig := b64Signer.Digest("payload")

	assert.NotEqual(t, hexSig, b64Sig)
	assert.Regexp(t, "^[0-9a-f]{64}$", hexSig)
	assert.Regexp(t, "^[A-Za-z0-9+/]+=*$", b64Sig)
}
