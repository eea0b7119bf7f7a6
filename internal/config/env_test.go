package config

import (
	"reflect"
	"testing"
)

func TestParseWorldVariablesBasic(t *testing.T) {
	raw := "FOO=bar\nBAZ=qux\n"
	got := ParseWorldVariables(raw)
	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseWorldVariablesIgnoresCommentsAndBlankLines(t *testing.T) {
	raw := "# a comment\n\nFOO=bar\n   \n# another\nBAZ=qux"
	got := ParseWorldVariables(raw)
	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseWorldVariablesDropsMalformedLinesButKeepsRest(t *testing.T) {
	raw := "FOO=bar\nthis is not valid\nBAZ=qux"
	got := ParseWorldVariables(raw)
	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v (a malformed line should not stop the rest parsing)", got, want)
	}
}

func TestParseWorldVariablesLastKeyWins(t *testing.T) {
	raw := "FOO=first\nFOO=second"
	got := ParseWorldVariables(raw)
	if got["FOO"] != "second" {
		t.Fatalf("got %q, want last occurrence to win", got["FOO"])
	}
}

func TestSubstituteTemplateReplacesKnownKeys(t *testing.T) {
	vars := map[string]string{"world_name": "Acme"}
	got := SubstituteTemplate("Hello {{ world_name }}!", vars, nil)
	if got != "Hello Acme!" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstituteTemplateToleratesNoInnerWhitespace(t *testing.T) {
	vars := map[string]string{"x": "1"}
	got := SubstituteTemplate("v={{x}}", vars, nil)
	if got != "v=1" {
		t.Fatalf("got %q", got)
	}
}

func TestSubstituteTemplateUndefinedKeyExpandsEmptyAndIsReported(t *testing.T) {
	var undefined []string
	got := SubstituteTemplate("Hello {{ missing }}!", map[string]string{}, &undefined)
	if got != "Hello !" {
		t.Fatalf("got %q", got)
	}
	if len(undefined) != 1 || undefined[0] != "missing" {
		t.Fatalf("got %v, want [missing]", undefined)
	}
}

func TestSubstituteTemplateReportsEachUndefinedKeyOnce(t *testing.T) {
	var undefined []string
	SubstituteTemplate("{{ missing }} and {{ missing }} again", map[string]string{}, &undefined)
	if len(undefined) != 1 {
		t.Fatalf("got %v, want exactly one report for a repeated undefined key", undefined)
	}
}
