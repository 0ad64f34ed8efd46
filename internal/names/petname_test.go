package names

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/pkg/group"
)

func TestPetnameDeterministic(t *testing.T) {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	if Petname(b) != Petname(b) {
		t.Error("same bytes produced different names")
	}
}

func TestPetnameThreeWords(t *testing.T) {
	b := make([]byte, 16)
	for i := range b {
		b[i] = byte(i * 7)
	}
	if parts := strings.Split(Petname(b), "-"); len(parts) != 3 {
		t.Errorf("expected 3 words, got %q", Petname(b))
	}
}

func TestPetnameDifferentInputs(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	b[0] = 1
	if Petname(a) == Petname(b) {
		t.Errorf("different inputs produced %q", Petname(a))
	}
}

func TestPetnameShortInput(t *testing.T) {
	if name := Petname(make([]byte, 8)); name != Unknown {
		t.Errorf("expected unknown for short input, got %q", name)
	}
}

func TestMember(t *testing.T) {
	aci := uuid.MustParse("0f5c1e2a-3b4d-4e6f-8a9b-0c1d2e3f4a5b")
	if got := Member(aci); got == Unknown || got != Petname(aci[:]) {
		t.Errorf("Member = %q", got)
	}
	if got := Member(uuid.Nil); got != Unknown {
		t.Errorf("Member(nil) = %q", got)
	}
}

func TestGroup(t *testing.T) {
	legacy, err := group.GenerateLegacyID()
	if err != nil {
		t.Fatal(err)
	}
	migrated, _, err := group.DeriveRevisionedID(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if Group(legacy) == Unknown || Group(migrated) == Unknown {
		t.Fatalf("names %q %q", Group(legacy), Group(migrated))
	}
	if Group(legacy) == Group(migrated) {
		t.Errorf("legacy and migrated groups share name %q", Group(legacy))
	}
	if Group(group.ID{}) != Unknown {
		t.Error("zero id should be unknown")
	}
}
