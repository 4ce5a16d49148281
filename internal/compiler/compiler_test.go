package compiler

import (
	"testing"

	"tscore/internal/predicate"
)

func f(name string) predicate.FieldRef { return predicate.FieldRef{Name: name} }
func jf(assoc, name string) predicate.FieldRef {
	return predicate.FieldRef{Name: name, Assoc: assoc}
}

func TestSimpleFilter(t *testing.T) {
	list, _ := predicate.List(predicate.Int(1), predicate.Int(2), predicate.Int(3))
	inNode, _ := predicate.In(f("brand_id"), list)
	active := predicate.Eq(f("active"), predicate.Bool(true))

	got, err := CompileAll([]predicate.Node{inNode, active}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "brand_id:=[1,2,3] && active:=true"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJoinFolding(t *testing.T) {
	last := predicate.Eq(jf("authors", "last_name"), predicate.Str("Rowling"))
	age := predicate.Gte(jf("authors", "age"), predicate.Int(30))
	conj := predicate.And(last, age)

	got, err := Compile(conj, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "$authors(last_name:=`Rowling` && age:>=30)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJoinFoldingPreservesOtherPositions(t *testing.T) {
	a := predicate.Eq(f("active"), predicate.Bool(true))
	last := predicate.Eq(jf("authors", "last_name"), predicate.Str("Rowling"))
	age := predicate.Gte(jf("authors", "age"), predicate.Int(30))
	b := predicate.Gt(f("price"), predicate.Int(10))

	got, err := CompileAll([]predicate.Node{a, last, b, age}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// authors fold emitted at first occurrence position (index 1); `b`
	// keeps its position; `age`'s predicate is merged in, not re-emitted.
	want := "active:=true && $authors(last_name:=`Rowling` && age:>=30) && price:>10"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExactlyOneTokenPerAssociation(t *testing.T) {
	preds := []predicate.Node{
		predicate.Eq(jf("authors", "a"), predicate.Int(1)),
		predicate.Eq(jf("authors", "b"), predicate.Int(2)),
		predicate.Eq(jf("authors", "c"), predicate.Int(3)),
	}
	got, err := CompileAll(preds, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for i := 0; i+len("$authors(") <= len(got); i++ {
		if got[i:i+len("$authors(")] == "$authors(" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one $authors(...) token, got %d in %q", count, got)
	}
}

func TestOrWrapsRightHandAnd(t *testing.T) {
	left := predicate.Eq(f("a"), predicate.Int(1))
	right := predicate.And(
		predicate.Eq(f("b"), predicate.Int(2)),
		predicate.Eq(f("c"), predicate.Int(3)),
	)
	got, err := Compile(predicate.Or(left, right), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "a:=1 || (b:=2 && c:=3)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGroupForcesParens(t *testing.T) {
	inner := predicate.Or(
		predicate.Eq(f("a"), predicate.Int(1)),
		predicate.Eq(f("b"), predicate.Int(2)),
	)
	got, err := Compile(predicate.Group(inner), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "(a:=1 || b:=2)" {
		t.Errorf("got %q", got)
	}
}

func TestRawPassThrough(t *testing.T) {
	got, err := Compile(predicate.RawNode("custom_fragment"), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "custom_fragment" {
		t.Errorf("got %q", got)
	}
}

func TestMatchesUnsupportedByDefault(t *testing.T) {
	_, err := Compile(predicate.Matches(f("name"), "ro*"), Options{})
	if err == nil {
		t.Fatal("expected UnsupportedNode error")
	}
}

func TestDoubleCompileStable(t *testing.T) {
	list, _ := predicate.List(predicate.Str("a"), predicate.Str("b"))
	n, _ := predicate.In(f("tag"), list)
	out1, err := Compile(n, Options{})
	if err != nil {
		t.Fatal(err)
	}
	out2, err := Compile(n, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out1 != out2 {
		t.Errorf("compile not stable: %q vs %q", out1, out2)
	}
}

func TestNotInUsesNotEqualOperator(t *testing.T) {
	list, _ := predicate.List(predicate.Int(1), predicate.Int(2))
	n, _ := predicate.NotIn(f("x"), list)
	got, err := Compile(n, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "x:!=[1,2]" {
		t.Errorf("got %q", got)
	}
}
