package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// Key schema (spec §6):
//
//	block_{height:016}        -> gob(Block)
//	h{hash}                   -> height (32-byte hash index into block_*)
//	tx_{txid}                 -> gob(Transaction)
//	t{txhash}                 -> txid (32-byte hash index into tx_*)
//	acc_{address}             -> 8-byte big-endian nonce
//	root_{height:016}         -> StateRoot hash
//	latest_height             -> 8-byte big-endian height
//	genesis_hash              -> 32-byte hash
const (
	prefixBlock    = "block_"
	prefixHashIdx  = "h"
	prefixTx       = "tx_"
	prefixTxHash   = "t"
	prefixAccount  = "acc_"
	prefixRoot     = "root_"
	keyLatestHeight = "latest_height"
	keyGenesisHash  = "genesis_hash"
)

func blockKey(h consensus.Height) []byte {
	return append([]byte(prefixBlock), heightKey(h)...)
}

func hashIndexKey(h consensus.Hash) []byte {
	return append([]byte(prefixHashIdx), h[:]...)
}

func txKey(id [16]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", prefixTx, id[:]))
}

func txHashIndexKey(h consensus.Hash) []byte {
	return append([]byte(prefixTxHash), h[:]...)
}

func accountKey(addr consensus.Address) []byte {
	return append([]byte(prefixAccount), addr[:]...)
}

func rootKey(h consensus.Height) []byte {
	return append([]byte(prefixRoot), heightKey(h)...)
}

func encodeNonce(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func decodeNonce(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
