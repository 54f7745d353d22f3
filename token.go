package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"

	"github.com/benbjohnson/clock"
)

// tokenLen is the number of leading bytes of H(remote_ip ‖ secret ‖ target)
// kept as the write token, per spec.md §4.2.
const tokenLen = 4

// secretLen matches the teacher's newTokenSecret: a handful of random bytes
// is plenty of entropy for a value that is only ever compared, never
// inverted.
const secretLen = 8

// tokenAuthority issues and verifies source-address-bound write tokens
// across a rolling two-epoch secret, generalizing the teacher's
// hostToken/checkToken pair in dht.go into its own component.
type tokenAuthority struct {
	clock   clock.Clock
	current []byte
	prev    []byte
}

func newTokenAuthority(c clock.Clock) *tokenAuthority {
	t := &tokenAuthority{clock: c}
	t.current = randomSecret()
	t.prev = randomSecret()
	return t
}

func randomSecret() []byte {
	b := make([]byte, secretLen)
	if _, err := rand.Read(b); err != nil {
		panic("dht: crypto/rand failure generating token secret")
	}
	return b
}

// rotate advances the epoch: the previous secret is discarded, the current
// one becomes previous, and a fresh secret is drawn. Called from the
// periodic tick.
func (t *tokenAuthority) rotate() {
	t.prev = t.current
	t.current = randomSecret()
}

func (t *tokenAuthority) hash(secret []byte, ip []byte, target ID) []byte {
	h := sha1.New()
	h.Write(ip)
	h.Write(secret)
	h.Write(target[:])
	sum := h.Sum(nil)
	return sum[:tokenLen]
}

// Generate returns the write token for a querier at ip requesting target.
func (t *tokenAuthority) Generate(ip []byte, target ID) []byte {
	return t.hash(t.current, ip, target)
}

// Verify reports whether token was produced by Generate for ip and target
// within the current or previous epoch, giving a validity window of at
// least one and at most two rotation intervals, per spec.md §8.
func (t *tokenAuthority) Verify(token []byte, ip []byte, target ID) bool {
	if len(token) != tokenLen {
		return false
	}
	return constantTimeEqual(token, t.hash(t.current, ip, target)) ||
		constantTimeEqual(token, t.hash(t.prev, ip, target))
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// encodeHandle packs an observer pool slot handle and its generation into a
// short opaque transaction tag, per Design Note 9: the handle is encoded
// into the tag itself so a late or forged reply can never resurrect a
// recycled slot, without needing a "dummy traversal" object the way the
// teacher's arena.go-adjacent C++ original used.
func encodeHandle(slot uint16, generation uint16) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], slot)
	binary.BigEndian.PutUint16(b[2:4], generation)
	return string(b)
}

func decodeHandle(tag string) (slot uint16, generation uint16, ok bool) {
	if len(tag) != 4 {
		return 0, 0, false
	}
	b := []byte(tag)
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), true
}
