package storage

import (
	"bytes"
	"testing"

	"github.com/coralchain/bftnode/pkg/consensus"
)

func TestBlockKeyOrdersLexicographicallyByHeight(t *testing.T) {
	k1 := blockKey(1)
	k2 := blockKey(2)
	k256 := blockKey(256)

	if bytes.Compare(k1, k2) >= 0 {
		t.Fatal("expected blockKey(1) < blockKey(2)")
	}
	if bytes.Compare(k2, k256) >= 0 {
		t.Fatal("expected blockKey(2) < blockKey(256), fixed-width encoding must avoid lexicographic wraparound")
	}
}

func TestAccountKeyDistinctFromBlockKey(t *testing.T) {
	var addr consensus.Address
	addr[0] = 0x01
	ak := accountKey(addr)
	bk := blockKey(1)
	if bytes.Equal(ak, bk) {
		t.Fatal("account and block keys must not collide")
	}
}

func TestNonceRoundTrip(t *testing.T) {
	enc := encodeNonce(42)
	if decodeNonce(enc) != 42 {
		t.Fatalf("expected 42, got %d", decodeNonce(enc))
	}
}
