package crypto

import (
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// ValidatorRegistry maps a validator's NodeID to the address derived from
// its secp256k1 public key and implements consensus.Verifier by recovering
// the signer's address from a vote/view-change signature and checking it
// matches the claimed validator's registered address.
type ValidatorRegistry struct {
	mu   sync.RWMutex
	keys map[consensus.NodeID]consensus.Address
}

func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{keys: make(map[consensus.NodeID]consensus.Address)}
}

// Register associates id with the address derived from an uncompressed
// secp256k1 public key.
func (r *ValidatorRegistry) Register(id consensus.NodeID, uncompressedPub []byte) error {
	pub, err := crypto.UnmarshalPubkey(uncompressedPub)
	if err != nil {
		return err
	}
	addr := crypto.PubkeyToAddress(*pub)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = consensus.Address(addr)
	return nil
}

func (r *ValidatorRegistry) RegisterAddress(id consensus.NodeID, addr consensus.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = addr
}

// Verify recovers the address that produced sig over digest and checks it
// matches id's registered address.
func (r *ValidatorRegistry) Verify(id consensus.NodeID, digest consensus.Hash, sig consensus.Signature) bool {
	r.mu.RLock()
	want, ok := r.keys[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	pubBytes, err := crypto.Ecrecover(digest[:], sig[:])
	if err != nil {
		return false
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return consensus.Address(recovered) == want
}

var _ consensus.Verifier = (*ValidatorRegistry)(nil)

// SignDigest signs a 32-byte digest with s's private key and returns it in
// consensus.Signature form, ready to attach to a Vote or ViewChange message.
func (s *Signer) SignDigest(digest consensus.Hash) (consensus.Signature, error) {
	raw, err := s.Sign(digest[:])
	if err != nil {
		return consensus.Signature{}, err
	}
	var out consensus.Signature
	copy(out[:], raw)
	return out, nil
}

// NodeAddress returns s's derived address in consensus.Address form.
func (s *Signer) NodeAddress() consensus.Address {
	return consensus.Address(s.Address())
}
