package core

import "testing"

func TestActionClone_IndependentPayload(t *testing.T) {
	a := &Action{
		ID: "a1", Namespace: "ns", Tenant: "t1",
		Payload: Payload{"k": "v", "nested": Payload{"x": 1}},
		Metadata: Metadata{Labels: map[string]string{"env": "prod"}},
	}

	clone := a.Clone()
	clone.Payload["k"] = "changed"
	clone.Payload["nested"].(Payload)["x"] = 2
	clone.Metadata.Labels["env"] = "staging"

	if a.Payload["k"] != "v" {
		t.Fatalf("mutating clone payload leaked into original: %v", a.Payload["k"])
	}
	if a.Payload["nested"].(Payload)["x"] != 1 {
		t.Fatalf("mutating clone nested payload leaked into original: %v", a.Payload["nested"])
	}
	if a.Metadata.Labels["env"] != "prod" {
		t.Fatalf("mutating clone labels leaked into original: %v", a.Metadata.Labels["env"])
	}
}

func TestActionClone_Nil(t *testing.T) {
	var a *Action
	if a.Clone() != nil {
		t.Fatal("cloning a nil Action must return nil")
	}
}

func TestActionClone_PreservesIdentityFields(t *testing.T) {
	a := &Action{ID: "a1", Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "alert"}
	clone := a.Clone()
	if clone.ID != a.ID || clone.Namespace != a.Namespace || clone.Tenant != a.Tenant {
		t.Fatalf("clone must preserve identity fields, got %+v", clone)
	}
}

func TestCloneValue_List(t *testing.T) {
	orig := Payload{"items": []Value{1, Payload{"a": 1}}}
	clone := clonePayload(orig)
	list := clone["items"].([]Value)
	list[1].(Payload)["a"] = 99

	origList := orig["items"].([]Value)
	if origList[1].(Payload)["a"] != 1 {
		t.Fatalf("cloning a list of values must deep-copy nested maps")
	}
}
