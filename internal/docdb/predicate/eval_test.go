package predicate

import "testing"

func TestEvalRangeAndRegex(t *testing.T) {
	doc := map[string]any{"age": float64(42), "name": "Alicia"}
	if !Eval(doc, map[string]any{"age": map[string]any{"$gte": float64(40), "$lte": float64(50)}}) {
		t.Fatalf("expected range match")
	}
	if !Eval(doc, map[string]any{"name": map[string]any{"$regex": "^Al"}}) {
		t.Fatalf("expected regex match")
	}
	if Eval(doc, map[string]any{"name": map[string]any{"$regex": "^Bo"}}) {
		t.Fatalf("expected regex mismatch")
	}
}

func TestEvalElemMatchAndNested(t *testing.T) {
	doc := map[string]any{
		"tags": []any{"a", "b", "c"},
		"items": []any{
			map[string]any{"qty": float64(1)},
			map[string]any{"qty": float64(9)},
		},
	}
	if !Eval(doc, map[string]any{"tags": map[string]any{"$all": []any{"a", "c"}}}) {
		t.Fatalf("expected $all match")
	}
	if !Eval(doc, map[string]any{"items": map[string]any{"$elemMatch": map[string]any{"qty": map[string]any{"$gt": float64(5)}}}}) {
		t.Fatalf("expected sub-document $elemMatch match")
	}
}

func TestEvalOrAndNot(t *testing.T) {
	doc := map[string]any{"status": "active"}
	if !Eval(doc, map[string]any{"$or": []any{
		map[string]any{"status": "inactive"},
		map[string]any{"status": "active"},
	}}) {
		t.Fatalf("expected $or match")
	}
	if Eval(doc, map[string]any{"$not": map[string]any{"status": "active"}}) {
		t.Fatalf("expected $not to reject match")
	}
}

func TestEvalTextFoldsCaseAndDiacritics(t *testing.T) {
	doc := map[string]any{"bio": "Café Düsseldorf"}
	if !Eval(doc, map[string]any{"$text": map[string]any{"$search": "cafe dusseldorf"}}) {
		t.Fatalf("expected diacritic/case-insensitive match")
	}
}

func TestEvalExistsTreatsNullAsAbsent(t *testing.T) {
	doc := map[string]any{"a": nil, "b": float64(1)}
	if Eval(doc, map[string]any{"a": map[string]any{"$exists": true}}) {
		t.Fatalf("explicit null must not satisfy $exists:true")
	}
	if !Eval(doc, map[string]any{"a": map[string]any{"$exists": false}}) {
		t.Fatalf("explicit null must satisfy $exists:false")
	}
	if !Eval(doc, map[string]any{"b": map[string]any{"$exists": true}}) {
		t.Fatalf("present value must satisfy $exists:true")
	}
	if !Eval(doc, map[string]any{"missing": map[string]any{"$exists": false}}) {
		t.Fatalf("absent field must satisfy $exists:false")
	}
}

func TestGetPathArrayIndex(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": []any{float64(1), float64(2), float64(3)}}}
	v, ok := GetPath(doc, "a.b.1")
	if !ok || v != float64(2) {
		t.Fatalf("GetPath = %v, %v", v, ok)
	}
}
