package dht

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// Dict is the core's in-memory representation of the self-describing,
// bencoded-style nested-tree wire format. Leaves are string, int64, []any or
// nested Dict values. The core never touches wire bytes directly: it
// consumes and produces Dict values, and hands them to a Codec collaborator
// (out of scope per spec.md §1) for the actual byte-level encoding.
type Dict map[string]any

// Codec turns a Dict into wire bytes and back. It is a collaborator the
// core depends on but never implements itself.
type Codec interface {
	Encode(Dict) ([]byte, error)
	Decode([]byte) (Dict, error)
}

// bencodeCodec is the default Codec, backed by the teacher's own wire
// library. It is provided for convenience; nothing in the dispatch,
// routing, RPC or traversal logic imports it directly.
type bencodeCodec struct{}

// NewBencodeCodec returns the reference Codec implementation, encoding
// Dict values using the same bencoded-style tree format the BitTorrent DHT
// wire protocol uses.
func NewBencodeCodec() Codec {
	return bencodeCodec{}
}

func (bencodeCodec) Encode(d Dict) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, map[string]any(d)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (bencodeCodec) Decode(b []byte) (Dict, error) {
	raw, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dht: decoded message is not a dictionary")
	}
	return Dict(m), nil
}

// Endpoint is a transport-independent UDP endpoint, packed to either 6
// bytes (v4) or 18 bytes (v6) on the wire.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// packedLen returns 4+2 for v4 endpoints and 16+2 for v6.
func (e Endpoint) packedLen() int {
	if e.IP.To4() != nil {
		return 6
	}
	return 18
}

// PackEndpoint encodes an endpoint into its compact wire form.
func PackEndpoint(e Endpoint) []byte {
	var ipBytes []byte
	if v4 := e.IP.To4(); v4 != nil {
		ipBytes = v4
	} else {
		ipBytes = e.IP.To16()
	}
	b := make([]byte, len(ipBytes)+2)
	copy(b, ipBytes)
	b[len(ipBytes)] = byte(e.Port >> 8)
	b[len(ipBytes)+1] = byte(e.Port)
	return b
}

// UnpackEndpoint decodes a 6-byte (v4) or 18-byte (v6) compact endpoint.
func UnpackEndpoint(b []byte) (Endpoint, error) {
	switch len(b) {
	case 6:
		ip := net.IPv4(b[0], b[1], b[2], b[3])
		return Endpoint{IP: ip, Port: uint16(b[4])<<8 | uint16(b[5])}, nil
	case 18:
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		return Endpoint{IP: ip, Port: uint16(b[16])<<8 | uint16(b[17])}, nil
	default:
		return Endpoint{}, fmt.Errorf("dht: invalid packed endpoint length %d", len(b))
	}
}

// nodeRecordLen4/6 are the fixed record sizes for the "nodes"/"nodes2"
// packed-node blobs: 20-byte ID plus a packed v4 or v6 endpoint.
const (
	nodeRecordLen4 = IDLen + 6
	nodeRecordLen6 = IDLen + 18
)

// NodeDescriptor is a single (ID, endpoint) pair as exchanged in "nodes" and
// "nodes2" reply blobs.
type NodeDescriptor struct {
	ID       ID
	Endpoint Endpoint
}

// EncodeNodes concatenates descriptors into a packed "nodes" (v4) or
// "nodes2" (v6) blob. Callers must pre-split by address family; mixing
// families in one call produces a malformed blob.
func EncodeNodes(nodes []NodeDescriptor) []byte {
	var buf bytes.Buffer
	for _, n := range nodes {
		buf.Write(n.ID[:])
		buf.Write(PackEndpoint(n.Endpoint))
	}
	return buf.Bytes()
}

// DecodeNodes parses a packed "nodes" or "nodes2" blob, inferring v4 vs. v6
// from the total length. A stream whose length is not a multiple of either
// grain is a schema violation and returns an error.
func DecodeNodes(b []byte) ([]NodeDescriptor, error) {
	if len(b) == 0 {
		return nil, nil
	}
	recLen := 0
	switch {
	case len(b)%nodeRecordLen4 == 0:
		recLen = nodeRecordLen4
	case len(b)%nodeRecordLen6 == 0:
		recLen = nodeRecordLen6
	default:
		return nil, fmt.Errorf("dht: packed node blob length %d is not a multiple of %d or %d", len(b), nodeRecordLen4, nodeRecordLen6)
	}
	out := make([]NodeDescriptor, 0, len(b)/recLen)
	for i := 0; i+recLen <= len(b); i += recLen {
		var id ID
		copy(id[:], b[i:i+IDLen])
		ep, err := UnpackEndpoint(b[i+IDLen : i+recLen])
		if err != nil {
			return nil, err
		}
		out = append(out, NodeDescriptor{ID: id, Endpoint: ep})
	}
	return out, nil
}

// SplitByFamily separates descriptors into v4 ("nodes") and v6 ("nodes2")
// groups, as required by spec.md §6's reply composition rule.
func SplitByFamily(nodes []NodeDescriptor) (v4, v6 []NodeDescriptor) {
	for _, n := range nodes {
		if n.Endpoint.IP.To4() != nil {
			v4 = append(v4, n)
		} else {
			v6 = append(v6, n)
		}
	}
	return
}
