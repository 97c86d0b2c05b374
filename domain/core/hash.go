package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Equals checks if two hashes are equal
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// ConfigHash identifies a run configuration for reproducibility records
type ConfigHash Hash

// String returns the string representation
func (h ConfigHash) String() string { return Hash(h).String() }

// ComputeConfigHash hashes a flat key/value view of a configuration.
// Keys are sorted so the hash is independent of map iteration order.
func ComputeConfigHash(settings map[string]string) ConfigHash {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, settings[k])
	}
	return ConfigHash(NewHash([]byte(b.String())))
}
