package expr

import "testing"

func TestEvaluateArithmetic(t *testing.T) {
	v, err := Evaluate("1 + 2 * 3", Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v != int64(7) {
		t.Fatalf("got %v (%T), want 7", v, v)
	}
}

func TestEvaluateFieldAccess(t *testing.T) {
	ctx := Context{
		Headers: map[string]any{"x-request-id": "abc-123"},
		Method:  "POST",
	}
	v, err := Evaluate(`headers["x-request-id"]`, ctx)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v != "abc-123" {
		t.Fatalf("got %v, want abc-123", v)
	}
}

func TestEvaluateRejectsDeniedFragments(t *testing.T) {
	cases := []string{
		`process.exit(1)`,
		`require("fs")`,
		`eval("1")`,
		`Function("return 1")()`,
	}
	for _, expression := range cases {
		if _, err := Evaluate(expression, Context{}); err == nil {
			t.Fatalf("expected rejection for %q", expression)
		}
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	v, err := Evaluate(`toUpperCase("hello")`, Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v != "HELLO" {
		t.Fatalf("got %v, want HELLO", v)
	}

	v, err = Evaluate(`sha256("abc")`, Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"[:64]
	if v != want {
		t.Fatalf("got %v, want %v", v, want)
	}
}

func TestProcessDynamicValueSoleMatchPreservesType(t *testing.T) {
	v := ProcessDynamicValue("{{1 + 1}}", Context{})
	if v != int64(2) {
		t.Fatalf("got %v (%T), want int64(2)", v, v)
	}
}

func TestProcessDynamicValueSubstitution(t *testing.T) {
	ctx := Context{Method: "GET"}
	v := ProcessDynamicValue("method is {{method}} today", ctx)
	if v != "method is GET today" {
		t.Fatalf("got %q", v)
	}
}

func TestProcessDynamicValueRecursesIntoStructures(t *testing.T) {
	ctx := Context{Method: "PUT"}
	input := map[string]any{
		"a": []any{"{{method}}", "static"},
		"b": map[string]any{"c": "{{1+1}}"},
	}
	out := ProcessDynamicValue(input, ctx).(map[string]any)
	arr := out["a"].([]any)
	if arr[0] != "PUT" || arr[1] != "static" {
		t.Fatalf("unexpected array result: %v", arr)
	}
	nested := out["b"].(map[string]any)
	if nested["c"] != int64(2) {
		t.Fatalf("unexpected nested result: %v", nested["c"])
	}
}

func TestProcessDynamicValueFailureLeavesFragmentUnreplaced(t *testing.T) {
	v := ProcessDynamicValue("prefix {{process.exit(1)}} suffix", Context{})
	if v != "prefix {{process.exit(1)}} suffix" {
		t.Fatalf("got %q", v)
	}
}
