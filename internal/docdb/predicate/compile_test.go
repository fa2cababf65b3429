package predicate

import (
	"strings"
	"testing"

	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

func mustCompile(t *testing.T, q map[string]any) Result {
	t.Helper()
	c := New(jsonpath.New(jsonpath.Text), nil)
	res, err := c.Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return res
}

func TestRangeBothOperators(t *testing.T) {
	res := mustCompile(t, map[string]any{"age": map[string]any{"$gte": float64(30), "$lte": float64(50)}})
	if !res.Resolved() {
		t.Fatalf("expected fully resolved, got unresolved %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, ">=") || !strings.Contains(res.Where.SQL, "<=") {
		t.Fatalf("expected both comparisons present, got %q", res.Where.SQL)
	}
	if len(res.Where.Args) != 2 {
		t.Fatalf("expected 2 bound args, got %d", len(res.Where.Args))
	}
}

func TestInResolves(t *testing.T) {
	res := mustCompile(t, map[string]any{"status": map[string]any{"$in": []any{"a", "b"}}})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "IN (?, ?)") {
		t.Fatalf("sql = %q", res.Where.SQL)
	}
}

func TestRegexUnresolved(t *testing.T) {
	res := mustCompile(t, map[string]any{"name": map[string]any{"$regex": "^a"}})
	if res.Resolved() {
		t.Fatalf("expected $regex to be unresolved")
	}
	if _, ok := res.Unresolved["name"]; !ok {
		t.Fatalf("expected unresolved to be keyed by field name, got %v", res.Unresolved)
	}
}

func TestPartialAndTaint(t *testing.T) {
	res := mustCompile(t, map[string]any{
		"age":  map[string]any{"$gte": float64(1)},
		"name": map[string]any{"$regex": "x"},
	})
	if res.Resolved() {
		t.Fatalf("expected partial resolution")
	}
	if !strings.Contains(res.Where.SQL, ">=") {
		t.Fatalf("expected resolved half (age) to still be emitted, got %q", res.Where.SQL)
	}
	if _, ok := res.Unresolved["name"]; !ok {
		t.Fatalf("expected name clause to be in unresolved, got %v", res.Unresolved)
	}
}

func TestOrWithUnresolvedBranchIsWhollyUnresolved(t *testing.T) {
	res := mustCompile(t, map[string]any{
		"$or": []any{
			map[string]any{"age": float64(1)},
			map[string]any{"name": map[string]any{"$regex": "x"}},
		},
	})
	if res.Resolved() {
		t.Fatalf("expected whole $or to be unresolved when one branch can't translate")
	}
	if _, ok := res.Unresolved["$or"]; !ok {
		t.Fatalf("expected $or key in unresolved, got %v", res.Unresolved)
	}
}

func TestElemMatchScalar(t *testing.T) {
	res := mustCompile(t, map[string]any{"tags": map[string]any{"$elemMatch": map[string]any{"$gt": float64(2)}}})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "json_each") || !strings.Contains(res.Where.SQL, "je.value >") {
		t.Fatalf("sql = %q", res.Where.SQL)
	}
}

func TestIDEqualityDisjunctionForDigitString(t *testing.T) {
	res := mustCompile(t, map[string]any{"_id": "123"})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "id =") || !strings.Contains(res.Where.SQL, "_id =") {
		t.Fatalf("expected disjunction over id and _id, got %q", res.Where.SQL)
	}
}

func TestTypeBoolMatchesTrueAndFalse(t *testing.T) {
	res := mustCompile(t, map[string]any{"flag": map[string]any{"$type": "bool"}})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "IN ('true', 'false')") {
		t.Fatalf("expected bool $type to match both json_type values, got %q", res.Where.SQL)
	}
	if len(res.Where.Args) != 0 {
		t.Fatalf("expected no bound args for the bool case, got %v", res.Where.Args)
	}
}

func TestTypeStringStillUsesEquality(t *testing.T) {
	res := mustCompile(t, map[string]any{"name": map[string]any{"$type": "string"}})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "= ?") {
		t.Fatalf("expected single-value equality for non-bool types, got %q", res.Where.SQL)
	}
	if len(res.Where.Args) != 1 || res.Where.Args[0] != "text" {
		t.Fatalf("expected bound arg \"text\", got %v", res.Where.Args)
	}
}

func TestIDEqualityBindsBareString(t *testing.T) {
	res := mustCompile(t, map[string]any{"_id": "64f1c0ffee64f1c0ffee64f1"})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if len(res.Where.Args) != 1 || res.Where.Args[0] != "64f1c0ffee64f1c0ffee64f1" {
		t.Fatalf("expected the raw id string bound (the _id column stores strings bare), got %v", res.Where.Args)
	}
}

func TestExistsFalseCoversExplicitNull(t *testing.T) {
	res := mustCompile(t, map[string]any{"x": map[string]any{"$exists": false}})
	if !res.Resolved() {
		t.Fatalf("expected resolved, got %v", res.Unresolved)
	}
	if !strings.Contains(res.Where.SQL, "IS NULL") || !strings.Contains(res.Where.SQL, "= 'null'") {
		t.Fatalf("expected both the missing and stored-null cases, got %q", res.Where.SQL)
	}
}

func TestMalformedModArity(t *testing.T) {
	c := New(jsonpath.New(jsonpath.Text), nil)
	_, err := c.Compile(map[string]any{"n": map[string]any{"$mod": []any{float64(1)}}})
	if err == nil {
		t.Fatalf("expected error for malformed $mod")
	}
}
