package dht

import (
	"crypto/sha1"
	"crypto/sha256"
)

// sum160 hashes parts into a 20-byte identifier, the grain every ID, info-
// hash and feed target in this system shares. SHA-1 is used because it is
// what the wire protocol's own hashes (info-hashes, BEP44 targets) are
// defined in terms of; there is no room to swap algorithms without breaking
// interoperability with the rest of the overlay.
func sum160(parts ...[]byte) ID {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// sum256 hashes payload for signature verification. secp256k1 signatures in
// this system are always taken over a SHA-256 digest of the payload.
func sum256(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// headTarget computes the target ID for a feed list-head: H(name ‖ key).
func headTarget(name string, key [PublicKeyLen]byte) ID {
	return sum160([]byte(name), key[:])
}

// itemTarget computes the target ID for a feed list-item: H(payload).
func itemTarget(payload []byte) ID {
	return sum160(payload)
}
