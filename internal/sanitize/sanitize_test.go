package sanitize

import (
	"strings"
	"testing"

	"tscore/internal/predicate"
)

func TestQuoteScalars(t *testing.T) {
	cases := []struct {
		v    predicate.Value
		want string
	}{
		{predicate.Bool(true), "true"},
		{predicate.Int(42), "42"},
		{predicate.Float(1.5), "1.5"},
		{predicate.Str("Rowling"), "`Rowling`"},
		{predicate.Str("a`b"), "`a\\`b`"},
	}
	for _, c := range cases {
		got, err := Quote(c.v)
		if err != nil {
			t.Fatalf("Quote(%+v) error: %v", c.v, err)
		}
		if got != c.want {
			t.Errorf("Quote(%+v) = %q, want %q", c.v, got, c.want)
		}
	}
}

func TestQuoteNullRejected(t *testing.T) {
	if _, err := Quote(predicate.Null()); err == nil {
		t.Error("expected error quoting null")
	}
}

func TestQuoteNeverUnbalanced(t *testing.T) {
	got, err := Quote(predicate.Str("weird `` value"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(got, "`")%2 != 0 {
		t.Errorf("unbalanced backticks in %q", got)
	}
}

func TestQuoteList(t *testing.T) {
	list, _ := predicate.List(predicate.Int(1), predicate.Int(2), predicate.Int(3))
	got, err := QuoteList(list)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[1,2,3]" {
		t.Errorf("QuoteList = %q", got)
	}
}

func TestApplyPlaceholders(t *testing.T) {
	got, err := ApplyPlaceholders("a = ?", []predicate.Value{predicate.Int(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a = 1" {
		t.Errorf("got %q", got)
	}
}

func TestApplyPlaceholdersEscaped(t *testing.T) {
	got, err := ApplyPlaceholders(`is it \?`, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "is it ?" {
		t.Errorf("got %q", got)
	}
}

func TestApplyPlaceholdersArityMismatch(t *testing.T) {
	if _, err := ApplyPlaceholders("a = ?", []predicate.Value{predicate.Int(1), predicate.Int(2)}); err == nil {
		t.Error("expected error for too many args")
	}
	if _, err := ApplyPlaceholders("a = ? and b = ?", []predicate.Value{predicate.Int(1)}); err == nil {
		t.Error("expected error for too few args")
	}
}

func TestApplyPlaceholdersNoUnescapedQuestionMark(t *testing.T) {
	got, err := ApplyPlaceholders("a = ?", []predicate.Value{predicate.Str("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "?") {
		t.Errorf("output still contains an unescaped '?': %q", got)
	}
}
