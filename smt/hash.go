package smt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a node hash in bytes.
const HashSize = sha256.Size

// Hash identifies a node by the sha256 digest of its encoding.
type Hash [HashSize]byte

// Placeholder is the hash of an empty subtree. It never refers to a stored node.
var Placeholder Hash

// Sum returns the hash identifying the given encoded node.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromBytes copies b into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("smt: invalid hash length %d, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Placeholder, fmt.Errorf("smt: parsing hash: %w", err)
	}
	return HashFromBytes(b)
}

func (h Hash) IsPlaceholder() bool {
	return h == Placeholder
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// StateRoot is the root of the state tree committed by the transaction with the given order.
type StateRoot struct {
	Root    Hash   `json:"root"`
	TxOrder uint64 `json:"tx_order"`
}

func (r StateRoot) String() string {
	return fmt.Sprintf("%s@%d", r.Root, r.TxOrder)
}
