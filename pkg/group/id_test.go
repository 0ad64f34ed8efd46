package group

import (
	"errors"
	"strings"
	"testing"
)

func TestParseID(t *testing.T) {
	legacy, err := GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}
	mk, _ := GenerateMasterKey()
	revisioned := DeriveSecretParams(mk).GroupID()

	for _, id := range []ID{legacy, revisioned} {
		got, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("ParseID(%q): %v", id, err)
		}
		if got != id {
			t.Errorf("ParseID(%q) = %q", id, got)
		}
	}

	if !strings.HasPrefix(legacy.String(), "legacy:") || !strings.HasPrefix(revisioned.String(), "group:") {
		t.Errorf("unexpected prefixes %q %q", legacy, revisioned)
	}
}

func TestParseIDInvalid(t *testing.T) {
	for _, s := range []string{"", "legacy:zz", "legacy:00", "group:0011", "other:00"} {
		if _, err := ParseID(s); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseID(%q): expected ErrInvalidID, got %v", s, err)
		}
	}
}

func TestIDShort(t *testing.T) {
	mk, _ := GenerateMasterKey()
	id := DeriveSecretParams(mk).GroupID()
	if s := id.Short(); !strings.HasSuffix(s, "...") || len(s) != len("group:")+16+3 {
		t.Errorf("Short() = %q", s)
	}
	var zero ID
	if !zero.IsZero() || zero.String() != "" {
		t.Error("zero id not empty")
	}
}
