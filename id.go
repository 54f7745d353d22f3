package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
)

// IDLen is the length, in bytes, of a node identifier, an info-hash or a
// feed target: 160 bits.
const IDLen = 20

// ID is a 160-bit Kademlia identifier. It is also used to represent
// info-hashes and feed targets, which share the same 20-byte address space.
type ID [IDLen]byte

// String renders the ID as lowercase hex, matching the wire's habit of
// logging identifiers as hex digests.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the id as a 20-byte slice.
func (id ID) Bytes() []byte {
	return id[:]
}

// IDFromString builds an ID from a raw 20-byte string, as found in a
// decoded wire dictionary.
func IDFromString(s string) (ID, error) {
	var id ID
	if len(s) != IDLen {
		return id, fmt.Errorf("dht: id must be %d bytes, got %d", IDLen, len(s))
	}
	copy(id[:], s)
	return id, nil
}

// IDFromHex decodes a hex-encoded identifier, e.g. an info-hash pasted from
// a magnet link.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDLen {
		return id, fmt.Errorf("dht: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RandomID returns a cryptographically random identifier, used when a node
// has no externally-verifiable address yet.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failing is a fatal environment problem; panic here
		// rather than hand the caller a zeroed id to walk around with.
		panic(fmt.Sprintf("dht: crypto/rand failure: %v", err))
	}
	return id
}

// Distance is the XOR metric between two identifiers, interpreted as a
// 160-bit big-endian unsigned integer.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// BucketIndex returns the position of the highest set bit of Distance(a, b),
// counting from the most significant bit of the id (0) to the least
// significant bit of the last byte (159). It returns 160 when a == b, the
// convention spec.md uses for "same ID".
func BucketIndex(a, b ID) int {
	d := Distance(a, b)
	for i := 0; i < IDLen; i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if d[i]&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return IDLen * 8
}

// Less reports whether a is closer to target than b is, breaking ties by
// raw byte comparison so a total order exists for sorting candidate sets.
func Less(target, a, b ID) bool {
	da, db := Distance(target, a), Distance(target, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// ipBindMask keeps the low two bits of the ID's last byte as the random
// seed appended to the masked address before the CRC is taken, per
// BEP42's construction: the mixing function is not meant to be invertible,
// only checkable.
const ipBindMask = 0x3

// crc32cTable is the Castagnoli polynomial table BEP42 specifies for the
// node-ID/IP binding check.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// externalIPMask returns the /24 (v4) or /64 (v6) network portion of ip that
// the binding function mixes into the ID, exactly as jch's dht.c does to
// tolerate NAT and ISP-assigned prefixes changing the low bits of an
// address.
func externalIPMask(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask)
	}
	v6 := ip.To16()
	mask := net.CIDRMask(64, 128)
	return v6.Mask(mask)
}

// GenerateBoundID returns a random ID whose high bits are derived from the
// external IP, following the BEP42 node-ID/IP binding construction: an ID
// generated this way will verify against addr.
func GenerateBoundID(ip net.IP, rand20 ID) ID {
	masked := externalIPMask(ip)
	seed := rand20[IDLen-1] & ipBindMask
	r := append(append([]byte{}, masked...), seed)
	crc := crc32.Checksum(r, crc32cTable)

	var id ID
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = byte(crc>>8)&0xf8 | rand20[2]&0x7
	copy(id[3:IDLen-1], rand20[3:IDLen-1])
	id[IDLen-1] = seed
	return id
}

// VerifyIDBinding reports whether id could have been generated by
// GenerateBoundID for ip. Loopback and unspecified addresses always verify,
// matching the reference implementations' allowance for local testing and
// nodes behind full NAT that never learn a routable external address.
func VerifyIDBinding(id ID, ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	masked := externalIPMask(ip)
	seed := id[IDLen-1] & ipBindMask
	r := append(append([]byte{}, masked...), seed)
	crc := crc32.Checksum(r, crc32cTable)

	var want ID
	want[0] = byte(crc >> 24)
	want[1] = byte(crc >> 16)
	want[2] = byte(crc>>8)&0xf8 | id[2]&0x7
	return want[0] == id[0] && want[1] == id[1] && want[2]&0xf8 == id[2]&0xf8
}
