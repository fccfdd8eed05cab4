package session

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Descriptor names the inputs a session resource is built from. It is
// supplied by the API layer and opaque beyond hashing: a changed hash
// invalidates and replaces the resource.
type Descriptor struct {
	// SessionKey identifies the conversation/analysis context.
	SessionKey string
	// DatasetRefs are the dataset identifiers bound to the resource.
	// Treated as a set; order does not affect the hash.
	DatasetRefs []string
	// ModelConfigHash fingerprints the model configuration.
	ModelConfigHash uint64
}

// Hash returns a stable 64-bit fingerprint of the descriptor. Two
// descriptors with the same datasets and model configuration hash equal
// regardless of dataset order.
func (d Descriptor) Hash() uint64 {
	refs := append([]string(nil), d.DatasetRefs...)
	sort.Strings(refs)

	h := xxhash.New()
	for _, ref := range refs {
		_, _ = h.WriteString(ref)
		_, _ = h.Write([]byte{0})
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], d.ModelConfigHash)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
