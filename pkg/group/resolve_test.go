package group

import (
	"testing"

	"github.com/google/uuid"
)

func TestResolveServerWinsOnSameField(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := testRecord(t, alice, bob)

	serverChange := Change{Revision: 2, Editor: bob, Actions: []Action{ModifyTimer{Seconds: 3600}}}
	server, err := Apply(base, serverChange)
	if err != nil {
		t.Fatal(err)
	}

	local := Change{Revision: 2, Editor: alice, Actions: []Action{ModifyTimer{Seconds: 60}}}
	got := Resolve(server, []Change{serverChange}, local)
	if !got.IsEmpty() {
		t.Errorf("expected contested timer change dropped, got %d actions", len(got.Actions))
	}
}

func TestResolveKeepsDisjointActions(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := testRecord(t, alice, bob)

	serverChange := Change{Revision: 2, Editor: bob, Actions: []Action{ModifyTitle{Title: "server"}}}
	server, err := Apply(base, serverChange)
	if err != nil {
		t.Fatal(err)
	}

	local := Change{Revision: 2, Editor: alice, Actions: []Action{
		ModifyTitle{Title: "local"},
		ModifyTimer{Seconds: 60},
	}}
	got := Resolve(server, []Change{serverChange}, local)
	if len(got.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got.Actions))
	}
	if a, ok := got.Actions[0].(ModifyTimer); !ok || a.Seconds != 60 {
		t.Errorf("unexpected action %#v", got.Actions[0])
	}
	if got.Revision != 0 || got.Editor != alice {
		t.Errorf("revision %d editor %s", got.Revision, got.Editor)
	}

	applied, err := Apply(server, Change{Revision: server.Revision + 1, Editor: got.Editor, Actions: got.Actions})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Title != "server" || applied.Timer != 60 {
		t.Errorf("rebased result: title %q timer %d", applied.Title, applied.Timer)
	}
}

func TestResolveDropsNoops(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	server := testRecord(t, alice, bob)
	server.Title = "same"
	server.Pending = []PendingMember{{ACI: carol, Role: RoleMember, AddedBy: alice}}

	local := Change{Editor: alice, Actions: []Action{
		AddMember{Member: Member{ACI: bob, Role: RoleMember}},
		RemoveMember{ACI: uuid.New()},
		ModifyRole{ACI: bob, Role: RoleAdmin},
		ModifyTitle{Title: "same"},
		AddPending{Pending: PendingMember{ACI: carol, Role: RoleMember}},
		AddPending{Pending: PendingMember{ACI: bob, Role: RoleMember}},
		RemovePending{ACI: uuid.New()},
		ModifyAttributesAccess{Access: AccessMember},
	}}
	got := Resolve(server, nil, local)
	if !got.IsEmpty() {
		for _, a := range got.Actions {
			t.Errorf("unexpected surviving action %s", ActionName(a))
		}
	}
}

func TestResolveDropsInapplicable(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := testRecord(t, alice, bob)

	serverChange := Change{Revision: 2, Editor: alice, Actions: []Action{RemoveMember{ACI: bob}}}
	server, err := Apply(base, serverChange)
	if err != nil {
		t.Fatal(err)
	}

	// Bob is gone, so demoting him no longer applies.
	local := Change{Editor: alice, Actions: []Action{ModifyRole{ACI: bob, Role: RoleMember}}}
	if got := Resolve(server, []Change{serverChange}, local); !got.IsEmpty() {
		t.Errorf("expected empty change, got %d actions", len(got.Actions))
	}
}

func TestResolveDependentActions(t *testing.T) {
	alice, dave := uuid.New(), uuid.New()
	server := testRecord(t, alice)

	local := Change{Editor: alice, Actions: []Action{
		AddMember{Member: Member{ACI: dave, Role: RoleMember}},
		ModifyRole{ACI: dave, Role: RoleAdmin},
	}}
	got := Resolve(server, nil, local)
	if len(got.Actions) != 2 {
		t.Errorf("expected both actions kept, got %d", len(got.Actions))
	}
}
