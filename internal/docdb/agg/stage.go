// Package agg plans an aggregation pipeline into an ordered list of
// execution steps, each tagged SQL, TEMP, or STREAM, minimizing the
// number of temp-table materializations and in-process stream stages.
package agg

import (
	"github.com/docxology/docdb/internal/docdb/dberrors"
)

// Stage is a closed sum type over the recognized pipeline stage kinds.
// StageUnknown carries anything the parser doesn't recognize, so a
// pipeline containing it still plans (to a STREAM fallback) rather
// than failing outright at parse time.
type Stage interface {
	stage()
}

type MatchStage struct{ Filter map[string]any }

type ProjectStage struct{ Spec map[string]any }

type AddFieldsStage struct{ Spec map[string]any }

type UnsetStage struct{ Fields []string }

type SortKey struct {
	Field string
	Desc  bool
}

type SortStage struct{ Keys []SortKey }

type SkipStage struct{ N int64 }

type LimitStage struct{ N int64 }

type CountStage struct{ Field string }

type SampleStage struct{ N int64 }

type UnwindStage struct {
	Path                       string
	PreserveNullAndEmptyArrays bool
	IncludeArrayIndex          string
}

// Accumulator is one $group output field's reduction.
type Accumulator struct {
	Op   string // $sum, $avg, $min, $max, $push, $addToSet, $first, $last
	Expr any    // a field-path string ("$qty") or a literal
}

type GroupStage struct {
	// ID is a field-path string ("$tag"), a scalar literal, or nil
	// (group-all). Compound document keys ({tag:"$tag",year:"$year"})
	// are rejected at parse time: neither the SQL nor the streaming
	// grouper resolves nested field references, and mis-grouping
	// silently is worse than failing.
	ID           any
	Accumulators map[string]Accumulator
}

type LookupStage struct {
	From         string
	LocalField   string
	ForeignField string
	As           string
}

type FacetStage struct {
	Pipelines map[string][]map[string]any
}

type TextStage struct {
	Search string
	Fields []string
}

type StageUnknown struct {
	Key string
	Raw any
}

func (MatchStage) stage()     {}
func (ProjectStage) stage()   {}
func (AddFieldsStage) stage() {}
func (UnsetStage) stage()     {}
func (SortStage) stage()      {}
func (SkipStage) stage()      {}
func (LimitStage) stage()     {}
func (CountStage) stage()     {}
func (SampleStage) stage()    {}
func (UnwindStage) stage()    {}
func (GroupStage) stage()     {}
func (LookupStage) stage()    {}
func (FacetStage) stage()     {}
func (TextStage) stage()      {}
func (StageUnknown) stage()   {}

// ParseStage converts one pipeline element (a single-key document
// naming a stage operator) into a Stage.
func ParseStage(doc map[string]any) (Stage, error) {
	if len(doc) != 1 {
		return nil, dberrors.MalformedPipeline("pipeline stage must have exactly one operator")
	}
	var key string
	var val any
	for k, v := range doc {
		key, val = k, v
	}
	switch key {
	case "$match":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$match requires an object")
		}
		return MatchStage{Filter: m}, nil
	case "$project":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$project requires an object")
		}
		return ProjectStage{Spec: m}, nil
	case "$addFields":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$addFields requires an object")
		}
		return AddFieldsStage{Spec: m}, nil
	case "$unset":
		switch v := val.(type) {
		case string:
			return UnsetStage{Fields: []string{v}}, nil
		case []any:
			var fields []string
			for _, f := range v {
				s, ok := f.(string)
				if !ok {
					return nil, dberrors.MalformedPipeline("$unset array must contain strings")
				}
				fields = append(fields, s)
			}
			return UnsetStage{Fields: fields}, nil
		default:
			return nil, dberrors.MalformedPipeline("$unset requires a string or array of strings")
		}
	case "$sort":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$sort requires an object")
		}
		var keys []SortKey
		for _, f := range sortedKeys(m) {
			n, _ := asNumber(m[f])
			keys = append(keys, SortKey{Field: f, Desc: n < 0})
		}
		return SortStage{Keys: keys}, nil
	case "$skip":
		n, ok := asNumber(val)
		if !ok {
			return nil, dberrors.MalformedPipeline("$skip requires a number")
		}
		return SkipStage{N: int64(n)}, nil
	case "$limit":
		n, ok := asNumber(val)
		if !ok {
			return nil, dberrors.MalformedPipeline("$limit requires a number")
		}
		return LimitStage{N: int64(n)}, nil
	case "$count":
		s, ok := val.(string)
		if !ok || s == "" {
			return nil, dberrors.MalformedPipeline("$count requires a non-empty string")
		}
		return CountStage{Field: s}, nil
	case "$sample":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$sample requires an object with size")
		}
		n, ok := asNumber(m["size"])
		if !ok {
			return nil, dberrors.MalformedPipeline("$sample.size must be a number")
		}
		return SampleStage{N: int64(n)}, nil
	case "$unwind":
		switch v := val.(type) {
		case string:
			return UnwindStage{Path: trimDollar(v)}, nil
		case map[string]any:
			path, _ := v["path"].(string)
			if path == "" {
				return nil, dberrors.MalformedPipeline("$unwind requires a path")
			}
			preserve, _ := v["preserveNullAndEmptyArrays"].(bool)
			idx, _ := v["includeArrayIndex"].(string)
			return UnwindStage{Path: trimDollar(path), PreserveNullAndEmptyArrays: preserve, IncludeArrayIndex: idx}, nil
		default:
			return nil, dberrors.MalformedPipeline("$unwind requires a string or object")
		}
	case "$group":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$group requires an object")
		}
		raw, hasID := m["_id"]
		if !hasID {
			return nil, dberrors.MalformedPipeline("$group requires an _id expression")
		}
		switch raw.(type) {
		case map[string]any, []any:
			return nil, dberrors.MalformedPipeline("unsupported $group _id expression")
		}
		accs := map[string]Accumulator{}
		for _, field := range sortedKeys(m) {
			if field == "_id" {
				continue
			}
			spec, ok := m[field].(map[string]any)
			if !ok || len(spec) != 1 {
				return nil, dberrors.MalformedPipeline("$group accumulator must name exactly one operator")
			}
			for op, expr := range spec {
				accs[field] = Accumulator{Op: op, Expr: expr}
			}
		}
		return GroupStage{ID: raw, Accumulators: accs}, nil
	case "$lookup":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$lookup requires an object")
		}
		from, _ := m["from"].(string)
		local, _ := m["localField"].(string)
		foreign, _ := m["foreignField"].(string)
		as, _ := m["as"].(string)
		if from == "" || local == "" || foreign == "" || as == "" {
			return nil, dberrors.MalformedPipeline("$lookup requires from/localField/foreignField/as")
		}
		return LookupStage{From: from, LocalField: local, ForeignField: foreign, As: as}, nil
	case "$facet":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$facet requires an object of named sub-pipelines")
		}
		subs := map[string][]map[string]any{}
		for name, raw := range m {
			arr, ok := raw.([]any)
			if !ok {
				return nil, dberrors.MalformedPipeline("$facet sub-pipeline must be an array")
			}
			var stages []map[string]any
			for _, s := range arr {
				sd, ok := s.(map[string]any)
				if !ok {
					return nil, dberrors.MalformedPipeline("$facet sub-pipeline stages must be objects")
				}
				stages = append(stages, sd)
			}
			subs[name] = stages
		}
		return FacetStage{Pipelines: subs}, nil
	case "$text":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, dberrors.MalformedPipeline("$text requires an object with $search")
		}
		search, _ := m["$search"].(string)
		if search == "" {
			return nil, dberrors.MalformedPipeline("$text.$search must be a non-empty string")
		}
		var fields []string
		if fv, ok := m["$fields"].([]any); ok {
			for _, f := range fv {
				if s, ok := f.(string); ok {
					fields = append(fields, s)
				}
			}
		}
		return TextStage{Search: search, Fields: fields}, nil
	default:
		return StageUnknown{Key: key, Raw: val}, nil
	}
}

// ParsePipeline parses every stage of a raw pipeline document list.
func ParsePipeline(pipeline []map[string]any) ([]Stage, error) {
	stages := make([]Stage, 0, len(pipeline))
	for _, doc := range pipeline {
		s, err := ParseStage(doc)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

func trimDollar(s string) string {
	if len(s) > 0 && s[0] == '$' {
		return s[1:]
	}
	return s
}

func asNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
