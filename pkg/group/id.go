package group

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind distinguishes legacy identifiers from revisioned ones.
type Kind uint8

const (
	KindNone Kind = iota
	KindLegacy
	KindRevisioned
)

const (
	LegacyIDSize     = 16
	RevisionedIDSize = 32

	legacyPrefix     = "legacy:"
	revisionedPrefix = "group:"
)

// ID identifies a group. The zero value is the empty identifier. IDs are
// comparable and safe to use as map keys.
type ID struct {
	kind Kind
	raw  string
}

// NewLegacyID wraps raw legacy identifier bytes.
func NewLegacyID(b []byte) (ID, error) {
	if len(b) != LegacyIDSize {
		return ID{}, fmt.Errorf("%w: legacy id must be %d bytes, got %d", ErrInvalidID, LegacyIDSize, len(b))
	}
	return ID{kind: KindLegacy, raw: string(b)}, nil
}

// GenerateLegacyID returns a random legacy identifier.
func GenerateLegacyID() (ID, error) {
	b := make([]byte, LegacyIDSize)
	if _, err := rand.Read(b); err != nil {
		return ID{}, fmt.Errorf("generate legacy id: %w", err)
	}
	return ID{kind: KindLegacy, raw: string(b)}, nil
}

// NewRevisionedID wraps raw revisioned identifier bytes.
func NewRevisionedID(b []byte) (ID, error) {
	if len(b) != RevisionedIDSize {
		return ID{}, fmt.Errorf("%w: revisioned id must be %d bytes, got %d", ErrInvalidID, RevisionedIDSize, len(b))
	}
	return ID{kind: KindRevisioned, raw: string(b)}, nil
}

// ParseID parses the String form of an identifier.
func ParseID(s string) (ID, error) {
	var (
		kind Kind
		body string
	)
	switch {
	case strings.HasPrefix(s, legacyPrefix):
		kind, body = KindLegacy, strings.TrimPrefix(s, legacyPrefix)
	case strings.HasPrefix(s, revisionedPrefix):
		kind, body = KindRevisioned, strings.TrimPrefix(s, revisionedPrefix)
	default:
		return ID{}, fmt.Errorf("%w: unknown prefix in %q", ErrInvalidID, s)
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if kind == KindLegacy {
		return NewLegacyID(b)
	}
	return NewRevisionedID(b)
}

// Kind returns the identifier kind.
func (id ID) Kind() Kind { return id.kind }

// IsLegacy reports whether id is a legacy identifier.
func (id ID) IsLegacy() bool { return id.kind == KindLegacy }

// IsRevisioned reports whether id is a revisioned identifier.
func (id ID) IsRevisioned() bool { return id.kind == KindRevisioned }

// IsZero reports whether id is the empty identifier.
func (id ID) IsZero() bool { return id.kind == KindNone }

// Bytes returns a copy of the raw identifier bytes.
func (id ID) Bytes() []byte { return []byte(id.raw) }

func (id ID) String() string {
	switch id.kind {
	case KindLegacy:
		return legacyPrefix + hex.EncodeToString([]byte(id.raw))
	case KindRevisioned:
		return revisionedPrefix + hex.EncodeToString([]byte(id.raw))
	default:
		return ""
	}
}

// Short returns an abbreviated form for logs.
func (id ID) Short() string {
	s := id.String()
	if i := strings.IndexByte(s, ':'); i >= 0 && len(s) > i+1+16 {
		return s[:i+1+16] + "..."
	}
	return s
}
