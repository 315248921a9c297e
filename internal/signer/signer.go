// Package signer produces per-exchange authentication material: HMAC
// signatures, monotonic timestamps, and request nonces.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"tradewire/pkg/core"
)

// Encoding selects how a raw HMAC digest is rendered on the wire.
type Encoding int

const (
	// EncodingHex renders the digest as lowercase hexadecimal (Binance style).
	EncodingHex Encoding = iota
	// EncodingBase64 renders the digest as standard base64 (Coinbase style).
	EncodingBase64
)

// Material is the authentication payload attached to one request.
type Material struct {
	// Signature is the encoded HMAC digest.
	Signature string
	// Timestamp is the signing time in the unit the exchange expects.
	Timestamp string
	// Nonce is a per-credential counter, incremented exactly once per
	// signed request.
	Nonce int64
}

// Signer computes signatures for one credential set. Signing is
// deterministic given identical inputs and timestamp; the nonce and
// timestamp state advance atomically so concurrent callers never observe a
// duplicate nonce or a timestamp that moves backwards.
type Signer struct {
	creds    core.Credentials
	encoding Encoding
	nonce    atomic.Int64
	// lastTS holds the last issued timestamp in milliseconds so issued
	// timestamps stay strictly monotonic even if the wall clock steps back.
	lastTS atomic.Int64
	now    func() time.Time
}

// New creates a Signer for the given credentials. It fails when the
// credentials lack signing material; that failure is fatal, not retryable.
func New(creds core.Credentials, encoding Encoding) (*Signer, error) {
	if !creds.Valid() {
		return nil, core.NewExchangeError("", core.ErrorTypeAuth, 0,
			"credentials missing api key or secret")
	}
	return &Signer{
		creds:    creds,
		encoding: encoding,
		now:      time.Now,
	}, nil
}

// APIKey returns the public key identifier for header attachment.
func (s *Signer) APIKey() string {
	return s.creds.APIKey
}

// Passphrase returns the optional extra credential some exchanges require.
func (s *Signer) Passphrase() string {
	return s.creds.Passphrase
}

// Sign signs the prehash string with a fresh monotonic timestamp and nonce.
// The prehash is built by the caller (the protocol knows its exchange's
// canonical string form); Sign only guarantees nonce/timestamp discipline.
func (s *Signer) Sign(prehash func(ts string) string) Material {
	ts := s.nextTimestamp()
	return s.SignAt(prehash, ts)
}

// SignAt signs with an explicit timestamp. Given the same prehash and
// timestamp the signature is identical; the nonce still advances once.
func (s *Signer) SignAt(prehash func(ts string) string, ts string) Material {
	return Material{
		Signature: s.Digest(prehash(ts)),
		Timestamp: ts,
		Nonce:     s.nonce.Add(1),
	}
}

// Digest computes the encoded HMAC-SHA256 of msg under the secret key.
func (s *Signer) Digest(msg string) string {
	h := hmac.New(sha256.New, []byte(s.creds.SecretKey))
	h.Write([]byte(msg))
	sum := h.Sum(nil)
	if s.encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// nextTimestamp returns the current time in milliseconds, bumped by one
// whenever the clock has not advanced past the previously issued value.
func (s *Signer) nextTimestamp() string {
	for {
		now := s.now().UnixMilli()
		last := s.lastTS.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastTS.CompareAndSwap(last, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}

// Nonce returns the number of requests signed so far.
func (s *Signer) Nonce() int64 {
	return s.nonce.Load()
}
