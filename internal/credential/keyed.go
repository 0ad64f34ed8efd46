package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/google/uuid"
)

// MaterialSize is the length of credential material.
const MaterialSize = 32

// KeyedDeriver derives tokens with HMAC-SHA256 over the credential
// material. It binds a token to the member, the day and the group.
type KeyedDeriver struct{}

// Derive verifies cred and returns a token for self in the group of sp.
func (KeyedDeriver) Derive(cred transport.Credential, self uuid.UUID, sp group.SecretParams) (transport.AuthToken, error) {
	if !VerifyCredential(cred) {
		return transport.AuthToken{}, fmt.Errorf("%w: day %d", ErrVerification, cred.Day)
	}
	pub := sp.PublicKey()
	return transport.AuthToken{
		ACI:          self,
		Day:          cred.Day,
		Presentation: Presentation(cred.Material, self, cred.Day, pub[:]),
	}, nil
}

// IssueCredential builds a credential with a valid tag.
func IssueCredential(material []byte, day int64) transport.Credential {
	return transport.Credential{Day: day, Material: material, Tag: CredentialTag(material, day)}
}

// VerifyCredential checks the credential tag.
func VerifyCredential(cred transport.Credential) bool {
	if len(cred.Material) != MaterialSize {
		return false
	}
	return hmac.Equal(cred.Tag, CredentialTag(cred.Material, cred.Day))
}

// CredentialTag binds material to its day.
func CredentialTag(material []byte, day int64) []byte {
	mac := hmac.New(sha256.New, material)
	mac.Write([]byte("issue"))
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(day)))
	return mac.Sum(nil)
}

// Presentation is the token proof for one member, day and group.
func Presentation(material []byte, aci uuid.UUID, day int64, groupKey []byte) []byte {
	mac := hmac.New(sha256.New, material)
	mac.Write([]byte("present"))
	mac.Write(aci[:])
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(day)))
	mac.Write(groupKey)
	return mac.Sum(nil)
}
