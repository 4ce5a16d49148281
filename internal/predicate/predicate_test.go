package predicate

import "testing"

func TestFieldRefString(t *testing.T) {
	cases := []struct {
		ref  FieldRef
		want string
	}{
		{FieldRef{Name: "brand_id"}, "brand_id"},
		{FieldRef{Name: "last_name", Assoc: "authors"}, "$authors.last_name"},
	}
	for _, c := range cases {
		if got := c.ref.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestParseFieldRef(t *testing.T) {
	ref, err := ParseFieldRef("$authors.age")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Name != "age" || ref.Assoc != "authors" {
		t.Errorf("got %+v", ref)
	}

	if _, err := ParseFieldRef("$authors"); err == nil {
		t.Error("expected error for missing dot")
	}
	if _, err := ParseFieldRef("1bad"); err == nil {
		t.Error("expected error for invalid identifier")
	}
}

func TestInRejectsEmptyList(t *testing.T) {
	empty := Value{Kind: ValueList}
	if _, err := In(FieldRef{Name: "x"}, empty); err == nil {
		t.Error("expected error for empty in() list")
	}
	if _, err := NotIn(FieldRef{Name: "x"}, empty); err == nil {
		t.Error("expected error for empty not_in() list")
	}
}

func TestListRejectsNested(t *testing.T) {
	inner, _ := List(Int(1))
	if _, err := List(inner); err == nil {
		t.Error("expected error for nested list")
	}
}

func TestNodeEqualStructural(t *testing.T) {
	a := Eq(FieldRef{Name: "active"}, Bool(true))
	b := Eq(FieldRef{Name: "active"}, Bool(true))
	c := Eq(FieldRef{Name: "active"}, Bool(false))

	if !a.Equal(b) {
		t.Error("expected structurally equal nodes to be Equal")
	}
	if a.Equal(c) {
		t.Error("expected differing nodes to not be Equal")
	}
	if a.Hash() != b.Hash() {
		t.Error("expected equal nodes to hash identically")
	}
	if a.Hash() == c.Hash() {
		t.Error("expected differing nodes to (very likely) hash differently")
	}
}

func TestNodeEqualBoolean(t *testing.T) {
	list1, _ := List(Int(1), Int(2), Int(3))
	list2, _ := List(Int(1), Int(2), Int(3))
	in1, _ := In(FieldRef{Name: "brand_id"}, list1)
	in2, _ := In(FieldRef{Name: "brand_id"}, list2)

	a := And(in1, Eq(FieldRef{Name: "active"}, Bool(true)))
	b := And(in2, Eq(FieldRef{Name: "active"}, Bool(true)))

	if !a.Equal(b) {
		t.Error("expected equal conjunctions to be Equal")
	}
}

func TestGroupImmutability(t *testing.T) {
	inner := Eq(FieldRef{Name: "x"}, Int(1))
	g := Group(inner)
	inner.Value = Int(2) // mutating the local copy must not affect g

	if !g.Child.Value.Equal(Int(1)) {
		t.Error("Group must copy its child at construction, not alias it")
	}
}
