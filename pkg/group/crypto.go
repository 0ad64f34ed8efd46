package group

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	MasterKeySize = 32

	infoMigration = "arc-groups/legacy-migration/v1"
	infoSealKey   = "arc-groups/secret-params/seal"
	infoIdentity  = "arc-groups/secret-params/identity"

	nonceSize = 24
)

// MasterKey is the root secret of a revisioned group.
type MasterKey [MasterKeySize]byte

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() (MasterKey, error) {
	var mk MasterKey
	if _, err := rand.Read(mk[:]); err != nil {
		return MasterKey{}, fmt.Errorf("generate master key: %w", err)
	}
	return mk, nil
}

// SecretParams are the per-group secrets derived from a master key. The
// zero value is unusable.
type SecretParams struct {
	masterKey MasterKey
	sealKey   [32]byte
	publicKey [32]byte
}

// DeriveSecretParams expands a master key into the group's sealing key and
// its Edwards25519 identity point.
func DeriveSecretParams(mk MasterKey) SecretParams {
	sp := SecretParams{masterKey: mk}
	expand(mk[:], infoSealKey, sp.sealKey[:])

	var wide [64]byte
	expand(mk[:], infoIdentity, wide[:])
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		// SetUniformBytes only fails on a length other than 64.
		panic(err)
	}
	copy(sp.publicKey[:], new(edwards25519.Point).ScalarBaseMult(s).Bytes())
	return sp
}

// DeriveMigrationMasterKey derives the master key a legacy group migrates
// to. Every device computes the same key for the same legacy identifier.
func DeriveMigrationMasterKey(legacy ID) (MasterKey, error) {
	if !legacy.IsLegacy() {
		return MasterKey{}, ErrNotLegacy
	}
	var mk MasterKey
	expand(legacy.Bytes(), infoMigration, mk[:])
	return mk, nil
}

// DeriveRevisionedID returns the revisioned identifier a legacy group
// migrates to, along with its secret params.
func DeriveRevisionedID(legacy ID) (ID, SecretParams, error) {
	mk, err := DeriveMigrationMasterKey(legacy)
	if err != nil {
		return ID{}, SecretParams{}, err
	}
	sp := DeriveSecretParams(mk)
	return sp.GroupID(), sp, nil
}

// MasterKey returns the master key the params were derived from.
func (sp SecretParams) MasterKey() MasterKey { return sp.masterKey }

// PublicKey returns the compressed Edwards25519 identity point.
func (sp SecretParams) PublicKey() [32]byte { return sp.publicKey }

// GroupID returns the revisioned identifier for these params.
func (sp SecretParams) GroupID() ID {
	return ID{kind: KindRevisioned, raw: string(sp.publicKey[:])}
}

// SecretParamsFor derives the secret params of a revisioned record.
func SecretParamsFor(r *Record) (SecretParams, error) {
	if r.MasterKey == nil {
		return SecretParams{}, ErrMissingMasterKey
	}
	return DeriveSecretParams(*r.MasterKey), nil
}

// expand fills out with HKDF-SHA256 output. Reads shorter than 255 hash
// lengths cannot fail.
func expand(secret []byte, info string, out []byte) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
}

// Seal encrypts plaintext under the group sealing key.
// Output format: nonce(24) || secretbox ciphertext.
func (sp SecretParams) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &sp.sealKey), nil
}

// Open decrypts a payload produced by Seal.
func (sp SecretParams) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &sp.sealKey)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Operations encrypts and decrypts change and state payloads exchanged with
// the server.
type Operations struct{}

// EncryptChange seals a change.
func (Operations) EncryptChange(sp SecretParams, c Change) ([]byte, error) {
	data, err := MarshalChange(c)
	if err != nil {
		return nil, err
	}
	return sp.Seal(data)
}

// DecryptChange opens and decodes a sealed change.
func (Operations) DecryptChange(sp SecretParams, sealed []byte) (Change, error) {
	data, err := sp.Open(sealed)
	if err != nil {
		return Change{}, err
	}
	return UnmarshalChange(data)
}

// EncryptState seals the server-visible part of a record. Local-only fields
// (activity, trust, thread, migration origin, master key) are not sent.
func (Operations) EncryptState(sp SecretParams, r Record) ([]byte, error) {
	view := Record{
		ID:          sp.GroupID(),
		Revision:    r.Revision,
		Title:       r.Title,
		Description: r.Description,
		AvatarRef:   r.AvatarRef,
		Timer:       r.Timer,
		Members:     r.Members,
		Pending:     r.Pending,
		Access:      r.Access,
	}
	data, err := MarshalRecord(&view)
	if err != nil {
		return nil, err
	}
	return sp.Seal(data)
}

// DecryptState opens a sealed state. The result carries the group's ID and
// master key and is marked active.
func (Operations) DecryptState(sp SecretParams, sealed []byte) (Record, error) {
	data, err := sp.Open(sealed)
	if err != nil {
		return Record{}, err
	}
	r, err := UnmarshalRecord(data)
	if err != nil {
		return Record{}, err
	}
	if r.ID != sp.GroupID() {
		return Record{}, fmt.Errorf("%w: state belongs to %s", ErrInvalidRecord, r.ID.Short())
	}
	mk := sp.MasterKey()
	r.MasterKey = &mk
	r.Active = true
	return *r, nil
}
