package rules

import (
	"net/http"
	"reflect"
	"testing"

	"github.com/clasp-gateway/clasp/internal/expr"
)

func TestApplyOrderAddReplaceDefaultRemove(t *testing.T) {
	value := map[string]any{"keep": "yes", "toRemove": "bye"}
	r := ModificationRules{
		Add:     map[string]any{"added": "new"},
		Replace: map[string]any{"keep": "replaced"},
		Default: map[string]any{"untouched": "default", "keep": "should-not-apply"},
		Remove:  []string{"toRemove"},
	}

	got := Apply(value, r, expr.Context{}).(map[string]any)

	want := map[string]any{
		"keep":      "replaced",
		"added":     "new",
		"untouched": "default",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestApplyRemoveNeverErasesAddedOrReplacedKey(t *testing.T) {
	value := map[string]any{}
	r := ModificationRules{
		Add:    map[string]any{"x": "1"},
		Remove: []string{"x"},
	}
	got := Apply(value, r, expr.Context{}).(map[string]any)
	if got["x"] != "1" {
		t.Fatalf("expected remove to be suppressed for an added key, got %#v", got)
	}
}

func TestApplyReplaceOnlyWhenKeyExists(t *testing.T) {
	value := map[string]any{}
	r := ModificationRules{Replace: map[string]any{"missing": "value"}}
	got := Apply(value, r, expr.Context{}).(map[string]any)
	if _, ok := got["missing"]; ok {
		t.Fatalf("replace should not create a new key: %#v", got)
	}
}

func TestMultiEventsEscapeHatch(t *testing.T) {
	value := map[string]any{"__multi_events": []any{"a", "b"}}
	arr, ok := MultiEvents(value)
	if !ok {
		t.Fatalf("expected multi events to be found")
	}
	if len(arr) != 2 {
		t.Fatalf("got %v", arr)
	}
}

func TestDeepMergeRulesCombinesAndDedupesArrays(t *testing.T) {
	base := ModificationRules{Remove: []string{"a", "b"}}
	override := ModificationRules{Remove: []string{"b", "c"}}
	merged := DeepMergeRules(base, override)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(merged.Remove, want) {
		t.Fatalf("got %v, want %v", merged.Remove, want)
	}
}

func TestApplyHeadersCaseInsensitive(t *testing.T) {
	h := http.Header{"X-Existing": []string{"old"}}
	r := HeaderRules{
		Replace: map[string]string{"x-existing": "new"},
		Add:     map[string]string{"X-New": "value"},
	}
	got := ApplyHeaders(h, r, expr.Context{})
	if got.Get("x-existing") != "new" {
		t.Fatalf("expected case-insensitive replace, got %v", got)
	}
	if got.Get("x-new") != "value" {
		t.Fatalf("expected add, got %v", got)
	}
}

func TestApplyQueryPreservesDuplicatesAndOrder(t *testing.T) {
	params := ParseQuery("a=1&b=2&a=3")
	if len(params) != 3 {
		t.Fatalf("expected 3 params, got %d", len(params))
	}
	out := ApplyQuery(params, QueryRules{Remove: []string{"b"}}, expr.Context{})
	if len(out) != 2 || out[0].Name != "a" || out[1].Name != "a" {
		t.Fatalf("got %v", out)
	}
}
