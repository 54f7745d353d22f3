package dht

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// PublicKeyLen and SignatureLen are the fixed sizes spec.md §6 assigns to
// the "key" and "sig" fields of a feed item: an uncompressed secp256k1
// public key with its 0x04 prefix stripped, and a compact ECDSA signature.
const (
	PublicKeyLen = 64
	SignatureLen = 64
)

// Verifier checks a feed item's signature against its declared public key
// and payload. It is a pluggable collaborator (spec.md §1): the core never
// hardcodes a signature scheme, only this interface.
type Verifier interface {
	Verify(pubKey [PublicKeyLen]byte, payload []byte, sig [SignatureLen]byte) bool
}

// secp256k1Verifier is the default Verifier, grounded on the secp256k1
// package the wider example pack already depends on for peer identity.
type secp256k1Verifier struct{}

// NewSecp256k1Verifier returns the default Verifier implementation. Design
// Note 9 flags the teacher's TODO ("verify signature by comparing it to
// item_hash") as a known gap; this resolves it by verifying unconditionally
// and refusing anything that doesn't parse, breaking interoperability with
// any legacy publisher that relied on unverified items being accepted.
func NewSecp256k1Verifier() Verifier {
	return secp256k1Verifier{}
}

func (secp256k1Verifier) Verify(pubKey [PublicKeyLen]byte, payload []byte, sig [SignatureLen]byte) bool {
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], pubKey[:])
	key, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return false
	}
	digest := sum256(payload)
	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	signature := ecdsa.NewSignature(r, s)
	return signature.Verify(digest, key)
}
