package actor

import "testing"

func TestString(t *testing.T) {
	cases := map[string]Actor{
		"system":       System(),
		"homeowner:h1": Homeowner("h1"),
		"operator:o1":  Operator("o1"),
		"legacy":       {ID: "legacy"},
	}
	for want, a := range cases {
		if got := a.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleContractor.Valid() {
		t.Fatalf("contractor should be valid")
	}
	if Role("admin").Valid() {
		t.Fatalf("unknown role should be invalid")
	}
}
