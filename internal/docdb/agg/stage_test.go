package agg

import "testing"

func TestParseStageRecognizesCoreOperators(t *testing.T) {
	cases := []map[string]any{
		{"$match": map[string]any{"status": "active"}},
		{"$project": map[string]any{"name": float64(1)}},
		{"$addFields": map[string]any{"total": "$qty"}},
		{"$unset": "internal"},
		{"$sort": map[string]any{"qty": float64(-1)}},
		{"$skip": float64(5)},
		{"$limit": float64(10)},
		{"$count": "total"},
		{"$sample": map[string]any{"size": float64(3)}},
		{"$unwind": "$tags"},
		{"$group": map[string]any{"_id": "$status", "n": map[string]any{"$sum": float64(1)}}},
		{"$lookup": map[string]any{"from": "orders", "localField": "sku", "foreignField": "sku", "as": "orders"}},
		{"$facet": map[string]any{"a": []any{map[string]any{"$match": map[string]any{}}}}},
		{"$text": map[string]any{"$search": "widget"}},
	}
	for _, doc := range cases {
		s, err := ParseStage(doc)
		if err != nil {
			t.Fatalf("ParseStage(%v): %v", doc, err)
		}
		if s == nil {
			t.Fatalf("ParseStage(%v) returned nil stage", doc)
		}
	}
}

func TestParseStageUnknownOperatorDoesNotError(t *testing.T) {
	s, err := ParseStage(map[string]any{"$bogus": float64(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(StageUnknown); !ok {
		t.Fatalf("expected StageUnknown, got %T", s)
	}
}

func TestParseStageRejectsMultiKeyDoc(t *testing.T) {
	_, err := ParseStage(map[string]any{"$match": map[string]any{}, "$sort": map[string]any{}})
	if err == nil {
		t.Fatalf("expected error for multi-key stage document")
	}
}

func TestParseStageRejectsMissingGroupID(t *testing.T) {
	_, err := ParseStage(map[string]any{"$group": map[string]any{"n": map[string]any{"$sum": float64(1)}}})
	if err == nil {
		t.Fatalf("expected error for $group without _id")
	}
}

func TestParseStageRejectsCompoundGroupID(t *testing.T) {
	_, err := ParseStage(map[string]any{"$group": map[string]any{
		"_id": map[string]any{"tag": "$tag", "year": "$year"},
		"n":   map[string]any{"$sum": float64(1)},
	}})
	if err == nil {
		t.Fatalf("expected error for compound $group _id")
	}
	_, err = ParseStage(map[string]any{"$group": map[string]any{
		"_id": []any{"$tag"},
	}})
	if err == nil {
		t.Fatalf("expected error for array-valued $group _id")
	}
}
