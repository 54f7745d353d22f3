package dht

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
)

func TestTokenGenerateVerifyRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	auth := newTokenAuthority(mock)
	ip := net.ParseIP("1.2.3.4")
	target := RandomID()

	tok := auth.Generate(ip, target)
	if !auth.Verify(tok, ip, target) {
		t.Fatal("a freshly generated token should verify")
	}
}

func TestTokenRejectsWrongIPOrTarget(t *testing.T) {
	mock := clock.NewMock()
	auth := newTokenAuthority(mock)
	ip := net.ParseIP("1.2.3.4")
	target := RandomID()
	tok := auth.Generate(ip, target)

	if auth.Verify(tok, net.ParseIP("5.6.7.8"), target) {
		t.Fatal("token bound to one IP should not verify for another")
	}
	if auth.Verify(tok, ip, RandomID()) {
		t.Fatal("token bound to one target should not verify for another")
	}
}

func TestTokenValidAcrossOneRotation(t *testing.T) {
	mock := clock.NewMock()
	auth := newTokenAuthority(mock)
	ip := net.ParseIP("1.2.3.4")
	target := RandomID()
	tok := auth.Generate(ip, target)

	auth.rotate()
	if !auth.Verify(tok, ip, target) {
		t.Fatal("a token should remain valid through exactly one rotation")
	}
}

func TestTokenRejectedAfterTwoRotations(t *testing.T) {
	mock := clock.NewMock()
	auth := newTokenAuthority(mock)
	ip := net.ParseIP("1.2.3.4")
	target := RandomID()
	tok := auth.Generate(ip, target)

	auth.rotate()
	auth.rotate()
	if auth.Verify(tok, ip, target) {
		t.Fatal("a token should be rejected once its epoch and the previous one have both rotated away")
	}
}

func TestEncodeDecodeHandleRoundTrip(t *testing.T) {
	tag := encodeHandle(42, 7)
	slot, gen, ok := decodeHandle(tag)
	if !ok {
		t.Fatal("decodeHandle failed on a well-formed tag")
	}
	if slot != 42 || gen != 7 {
		t.Fatalf("decoded (slot, generation) = (%d, %d), want (42, 7)", slot, gen)
	}
}

func TestDecodeHandleRejectsWrongLength(t *testing.T) {
	if _, _, ok := decodeHandle("abc"); ok {
		t.Fatal("expected decodeHandle to reject a 3-byte tag")
	}
}
