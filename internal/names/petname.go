// Package names gives members and groups short, memorable display names.
package names

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/gezibash/arc-groups/pkg/group"
)

// Unknown is returned for inputs too short to name.
const Unknown = "unknown"

// Petname generates a deterministic 3-word name from b using the BIP-39
// word list, e.g. "leader-monkey-parrot". The same bytes always produce
// the same name. Inputs shorter than 16 bytes are Unknown.
func Petname(b []byte) string {
	if len(b) < 16 {
		return Unknown
	}
	// BIP-39 takes 16 to 32 bytes of entropy in steps of 4.
	entropy := make([]byte, 32)
	copy(entropy, b)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Unknown
	}
	words := strings.Fields(mnemonic)
	if len(words) < 3 {
		return Unknown
	}
	return words[0] + "-" + words[1] + "-" + words[2]
}

// Member names a member by ACI.
func Member(aci uuid.UUID) string {
	if aci == uuid.Nil {
		return Unknown
	}
	return Petname(aci[:])
}

// Group names a group by identifier. A legacy group and the group it
// migrates to get different names.
func Group(id group.ID) string {
	if id.IsZero() {
		return Unknown
	}
	return Petname(id.Bytes())
}
