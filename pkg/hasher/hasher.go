// Package hasher implements the identity discipline shared by every node in
// the index: path hashes for non-data nodes and salted data hashes for
// chunk payloads, both lowercase hex SHA-224.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
)

// PathHash derives the identity of a non-data node (SRC, FILE, DIR) from the
// concatenation of its ancestor path, root first. Changing any entry of the
// chain, or inserting/removing one, changes the result. The index passes
// ancestor hashes, not names, so renaming an ancestor does not.
func PathHash(parents []string) string {
	h := sha256.New224()
	for _, p := range parents {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DataHash derives the identity of a data node from a parent hash and a
// byte payload. The parent hash is always folded in as a salt; when
// includeSource is true it is folded in twice. CHUNK hashes are minted
// with includeSource=false, salted by their FILE's hash so identical bytes
// under different files never collide. Passing an empty parentHash with
// includeSource=false degenerates to a hash of data alone, which is how the
// source checksum is computed. FILE/DIR/SRC identity is never a DataHash:
// it is a PathHash of ancestry, positional rather than content-derived, so
// includeSource=true exists for callers that need a content-salted digest
// distinct from a CHUNK's own hash rather than for naming a tree node.
func DataHash(parentHash string, data []byte, includeSource bool) string {
	h := sha256.New224()
	h.Write([]byte(parentHash))
	if includeSource {
		h.Write([]byte(parentHash))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Valid reports whether s looks like a well-formed SHA-224 hex digest.
func Valid(s string) bool {
	if len(s) != hex.EncodedLen(sha256.Size224) {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
