// file: pkg/consensus/types.go
package consensus

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"golang.org/x/crypto/sha3"
)

type NodeID string

// View identifies the current primary; it increments by one on every
// successful view change.
type View uint64

// Height is both the block height and the PBFT sequence number: after
// genesis the two coincide one-to-one.
type Height uint64

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Address is a 20-byte identity, derived the same way go-ethereum derives
// externally-owned-account addresses (low 20 bytes of keccak256(pubkey)).
type Address [20]byte

func (a Address) String() string { return fmt.Sprintf("%x", a[:]) }

// Signature is an ECDSA secp256k1 signature in [R || S || V] form, matching
// go-ethereum's 65-byte convention (R, S, and a recovery id).
type Signature [65]byte

// VoteKind distinguishes the two PBFT voting phases.
type VoteKind int

const (
	VotePrepare VoteKind = iota
	VoteCommit
)

func (k VoteKind) String() string {
	if k == VotePrepare {
		return "prepare"
	}
	return "commit"
}

// Phase is the per-(view, sequence) log entry state. Transitions are
// one-way: Idle -> PrePrepared -> Prepared -> Committed.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

// Transaction is a transfer of value between two addresses plus an opaque
// payload; no smart-contract execution model is implied.
type Transaction struct {
	ID        [16]byte
	From      Address
	To        Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Timestamp int64
	Signature Signature
	Data      []byte
}

// Hash returns the transaction digest with the signature zeroed, so the
// signature covers exactly this pre-image.
func (tx Transaction) Hash() Hash {
	cp := tx
	cp.Signature = Signature{}
	return hashGob(cp)
}

// Verify performs the shape checks required at admission time. It does
// not check tx.Signature, and no other code in this module verifies
// transaction signatures.
func (tx Transaction) Verify() bool {
	return tx.Amount > 0 && tx.Fee > 0 && tx.From != tx.To
}

// Priority is the mempool ordering key: plain transaction fee.
func (tx Transaction) Priority() uint64 { return tx.Fee }

// BlockHeader carries everything about a block except its transaction
// list and validator signatures.
type BlockHeader struct {
	Height       Height
	PreviousHash Hash
	MerkleRoot   Hash
	StateRoot    Hash
	Timestamp    int64
	Proposer     NodeID
	Round        uint64
	View         View
}

// ValidatorSignature is one validator's commit endorsement of a block.
type ValidatorSignature struct {
	ValidatorID NodeID
	Signature   Signature
	PublicKey   []byte // uncompressed secp256k1 public key
}

type Block struct {
	Header       BlockHeader
	Transactions []Transaction
	Signatures   []ValidatorSignature
}

// Hash returns the block digest over its canonical gob encoding.
func (b Block) Hash() Hash { return hashGob(b) }

// Verify checks merkle-root consistency and every contained transaction.
func (b Block) Verify() bool {
	if b.MerkleRoot() != b.Header.MerkleRoot {
		return false
	}
	for _, tx := range b.Transactions {
		if !tx.Verify() {
			return false
		}
	}
	return true
}

// MerkleRoot pairwise-hashes transaction hashes, duplicating the last node
// on an odd level.
func (b Block) MerkleRoot() Hash {
	if len(b.Transactions) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		level[i] = tx.Hash()
	}
	for len(level) > 1 {
		var next []Hash
		for i := 0; i < len(level); i += 2 {
			h := sha3.NewLegacyKeccak256()
			h.Write(level[i][:])
			if i+1 < len(level) {
				h.Write(level[i+1][:])
			} else {
				h.Write(level[i][:])
			}
			var sum Hash
			copy(sum[:], h.Sum(nil))
			next = append(next, sum)
		}
		level = next
	}
	return level[0]
}

func GenesisBlock() Block {
	return Block{Header: BlockHeader{Height: 0, View: 0, Proposer: NodeID("genesis")}}
}

// ---- PBFT wire message variants (spec §4.2 / §6) ----

type Propose struct {
	Block    Block
	Sequence Height
	View     View
}

type Vote struct {
	BlockHash   Hash
	Kind        VoteKind
	Sequence    Height
	View        View
	ValidatorID NodeID
	Signature   Signature
}

// SigningDigest is the preimage a Vote's signature covers; the signature
// field itself is excluded so signing doesn't depend on its own output.
func (v Vote) SigningDigest() Hash {
	cp := v
	cp.Signature = Signature{}
	return hashGob(cp)
}

// ViewChange is sent by a replica giving up on the current primary. It
// optionally carries the sender's best known prepared certificate so the
// new primary can replay it instead of losing an already-prepared block
// (spec §4.3, §9 "prepared-certificate replay").
type ViewChange struct {
	NewView      View
	ValidatorID  NodeID
	Signature    Signature
	LastPrepared *PreparedCertificate
}

// SigningDigest is the preimage a ViewChange's signature covers.
func (vc ViewChange) SigningDigest() Hash {
	cp := vc
	cp.Signature = Signature{}
	return hashGob(cp)
}

type NewView struct {
	View              View
	ViewChanges       []ViewChange
	ReplayedProposals []Propose
}

// EquivocationRecord documents a primary that proposed two different
// blocks at the same (view, sequence); it never mutates consensus state,
// it only surfaces the fault to the orchestrator/operator.
type EquivocationRecord struct {
	View        View
	Sequence    Height
	ValidatorID NodeID
	HashA       Hash
	HashB       Hash
}

// PreparedCertificate is evidence that 2f+1 distinct validators voted
// Prepare for the same (view, sequence, block hash).
type PreparedCertificate struct {
	View     View
	Sequence Height
	H        Hash
	Voters   []NodeID
}

// CommittedCertificate is the same shape, for Commit votes.
type CommittedCertificate struct {
	View     View
	Sequence Height
	H        Hash
	Voters   []NodeID
}

// ---- Storage/WAL interfaces (impl in pkg/storage) ----

type BlockStore interface {
	LatestHeight() (Height, bool)
	GetBlock(height Height) (Block, bool)
	GetBlockByHash(h Hash) (Block, bool)
	PutBlock(b Block) error
}

type WAL interface {
	AppendCommit(b Block) error
}

// AccountStore reports the highest committed nonce for a sender. The
// orchestrator expects that sender's next transaction in a proposed block
// to carry Nonce+1.
type AccountStore interface {
	Nonce(addr Address) uint64
}

func hashGob(v any) Hash {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Errorf("hashGob: %w", err))
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(buf.Bytes())
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
