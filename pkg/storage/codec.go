package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/coralchain/bftnode/pkg/consensus"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// heightKey renders a height as a fixed-width, zero-padded 16-digit
// decimal key suffix so lexicographic byte order matches numeric order.
func heightKey(h consensus.Height) []byte {
	return []byte(fmt.Sprintf("%016d", uint64(h)))
}
