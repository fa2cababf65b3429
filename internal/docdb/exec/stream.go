package exec

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/docxology/docdb/internal/docdb/agg"
	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

// applyStage runs one STREAM step's stage against in-memory rows,
// implementing the same operator semantics the SQL path would have
// produced, document by document. $group, $unwind and $count stop
// preserving row identity; the other stages keep each row's ID.
func applyStage(stage agg.Stage, rows []Row) ([]Row, error) {
	switch s := stage.(type) {
	case agg.MatchStage:
		return filterRows(rows, func(doc map[string]any) bool { return predicate.Eval(doc, s.Filter) })

	case agg.ProjectStage:
		return projectRows(rows, s.Spec)

	case agg.AddFieldsStage:
		return addFieldsRows(rows, s.Spec)

	case agg.UnsetStage:
		return unsetRows(rows, s.Fields)

	case agg.SortStage:
		return sortRows(rows, s.Keys), nil

	case agg.SkipStage:
		if s.N >= int64(len(rows)) {
			return nil, nil
		}
		return rows[s.N:], nil

	case agg.LimitStage:
		if s.N < int64(len(rows)) {
			return rows[:s.N], nil
		}
		return rows, nil

	case agg.CountStage:
		return []Row{{Doc: map[string]any{s.Field: float64(len(rows))}}}, nil

	case agg.SampleStage:
		return sampleRows(rows, s.N), nil

	case agg.UnwindStage:
		return unwindRows(rows, s)

	case agg.GroupStage:
		return groupRows(rows, s)

	case agg.TextStage:
		needle := foldText(s.Search)
		return filterRows(rows, func(doc map[string]any) bool { return textMatches(doc, s.Fields, needle) })

	case agg.StageUnknown:
		return nil, dberrors.MalformedPipeline("unrecognized pipeline stage " + s.Key)

	default:
		return nil, dberrors.MalformedPipeline("unsupported pipeline stage")
	}
}

func filterRows(rows []Row, keep func(map[string]any) bool) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if keep(r.Doc) {
			out = append(out, r)
		}
	}
	return out, nil
}

func projectRows(rows []Row, spec map[string]any) ([]Row, error) {
	include := map[string]bool{}
	exclude := map[string]bool{}
	for field, v := range spec {
		switch n := v.(type) {
		case float64:
			if n != 0 {
				include[field] = true
			} else {
				exclude[field] = true
			}
		case bool:
			if n {
				include[field] = true
			} else {
				exclude[field] = true
			}
		default:
			include[field] = true // computed-expression projections are passed through as literals
		}
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		var doc map[string]any
		if len(include) > 0 {
			doc = map[string]any{}
			if _, ok := spec["_id"]; !ok {
				if v, ok := r.Doc["_id"]; ok {
					doc["_id"] = v
				}
			}
			for field := range include {
				switch lit := spec[field].(type) {
				case float64, bool:
					// Plain inclusion: copy the field's own value through.
					if v, ok := predicate.GetPath(r.Doc, field); ok {
						setField(doc, field, v)
					}
				case string:
					if strings.HasPrefix(lit, "$") {
						// Field-reference rename, e.g. {name: "$c.name"}.
						if v, ok := predicate.GetPath(r.Doc, lit[1:]); ok {
							setField(doc, field, v)
						}
					} else {
						doc[field] = lit
					}
				default:
					doc[field] = lit
				}
			}
		} else {
			doc = map[string]any{}
			for k, v := range r.Doc {
				doc[k] = v
			}
			for field := range exclude {
				delete(doc, field)
			}
		}
		out[i] = Row{ID: r.ID, Doc: doc}
	}
	return out, nil
}

func addFieldsRows(rows []Row, spec map[string]any) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		doc := map[string]any{}
		for k, v := range r.Doc {
			doc[k] = v
		}
		for field, expr := range spec {
			doc[field] = evalExpr(r.Doc, expr)
		}
		out[i] = Row{ID: r.ID, Doc: doc}
	}
	return out, nil
}

func unsetRows(rows []Row, fields []string) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		doc := map[string]any{}
		for k, v := range r.Doc {
			doc[k] = v
		}
		for _, f := range fields {
			delete(doc, f)
		}
		out[i] = Row{ID: r.ID, Doc: doc}
	}
	return out, nil
}

func sortRows(rows []Row, keys []agg.SortKey) []Row {
	out := make([]Row, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			a, _ := predicate.GetPath(out[i].Doc, k.Field)
			b, _ := predicate.GetPath(out[j].Doc, k.Field)
			c := predicate.Compare(a, b)
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

func sampleRows(rows []Row, n int64) []Row {
	if n >= int64(len(rows)) {
		out := make([]Row, len(rows))
		copy(out, rows)
		return out
	}
	// Deterministic reservoir-style selection: pipelines must plan and
	// execute without Math.random-equivalent nondeterminism creeping
	// into replay/testing, so this takes an evenly spaced sample rather
	// than a seeded random draw.
	out := make([]Row, 0, n)
	step := float64(len(rows)) / float64(n)
	for i := int64(0); i < n; i++ {
		out = append(out, rows[int(float64(i)*step)])
	}
	return out
}

func unwindRows(rows []Row, s agg.UnwindStage) ([]Row, error) {
	var out []Row
	for _, r := range rows {
		val, exists := predicate.GetPath(r.Doc, s.Path)
		arr, isArr := val.([]any)
		if !exists || !isArr || len(arr) == 0 {
			if s.PreserveNullAndEmptyArrays {
				doc := cloneDoc(r.Doc)
				setField(doc, s.Path, nil)
				out = append(out, Row{Doc: doc})
			}
			continue
		}
		for idx, elem := range arr {
			doc := cloneDoc(r.Doc)
			setField(doc, s.Path, elem)
			if s.IncludeArrayIndex != "" {
				doc[s.IncludeArrayIndex] = float64(idx)
			}
			out = append(out, Row{Doc: doc})
		}
	}
	return out, nil
}

func groupRows(rows []Row, s agg.GroupStage) ([]Row, error) {
	type bucket struct {
		id   any
		docs []map[string]any
	}
	order := []string{}
	buckets := map[string]*bucket{}
	for _, r := range rows {
		idVal := evalExpr(r.Doc, s.ID)
		key := groupKey(idVal)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{id: idVal}
			buckets[key] = b
			order = append(order, key)
		}
		b.docs = append(b.docs, r.Doc)
	}
	out := make([]Row, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		doc := map[string]any{"_id": b.id}
		for field, acc := range s.Accumulators {
			v, err := reduceAccumulator(acc, b.docs)
			if err != nil {
				return nil, err
			}
			doc[field] = v
		}
		out = append(out, Row{Doc: doc})
	}
	return out, nil
}

func reduceAccumulator(acc agg.Accumulator, docs []map[string]any) (any, error) {
	vals := make([]any, len(docs))
	for i, d := range docs {
		vals[i] = evalExpr(d, acc.Expr)
	}
	switch acc.Op {
	case "$sum":
		var sum float64
		for _, v := range vals {
			n, ok := v.(float64)
			if !ok {
				if _, isLit := acc.Expr.(float64); isLit {
					n = acc.Expr.(float64)
				} else {
					continue
				}
			}
			sum += n
		}
		return sum, nil
	case "$avg":
		var sum float64
		var count int
		for _, v := range vals {
			n, ok := v.(float64)
			if !ok {
				continue
			}
			sum += n
			count++
		}
		if count == 0 {
			return nil, nil
		}
		return sum / float64(count), nil
	case "$min":
		var best any
		for _, v := range vals {
			if best == nil || predicate.Compare(v, best) < 0 {
				best = v
			}
		}
		return best, nil
	case "$max":
		var best any
		for _, v := range vals {
			if best == nil || predicate.Compare(v, best) > 0 {
				best = v
			}
		}
		return best, nil
	case "$first":
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[0], nil
	case "$last":
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[len(vals)-1], nil
	case "$push":
		return vals, nil
	case "$addToSet":
		var out []any
		for _, v := range vals {
			found := false
			for _, e := range out {
				if predicate.Equal(e, v) {
					found = true
					break
				}
			}
			if !found {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return nil, dberrors.MalformedPipeline("unsupported $group accumulator " + acc.Op)
	}
}

// evalExpr resolves a $group/$project-style expression: a "$field.path"
// string is a field reference, anything else is a literal.
func evalExpr(doc map[string]any, expr any) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := predicate.GetPath(doc, s[1:])
		return v
	}
	return expr
}

func groupKey(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + t
	case float64:
		return fmt.Sprintf("n:%v", t)
	case bool:
		if t {
			return "b:1"
		}
		return "b:0"
	default:
		return "x"
	}
}

func setField(doc map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = value
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

var (
	textFolder     = cases.Fold()
	diacriticStrip = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// foldText case-folds and strips diacritics the same way as the
// predicate package's $text fallback, so the streamed $text stage
// matches however the query's own $text clause would have matched had
// it run as a Find filter.
func foldText(s string) string {
	stripped, _, err := transform.String(diacriticStrip, s)
	if err != nil {
		stripped = s
	}
	return textFolder.String(stripped)
}

func textMatches(doc map[string]any, fields []string, needle string) bool {
	if len(fields) == 0 {
		for k := range doc {
			fields = append(fields, k)
		}
	}
	for _, f := range fields {
		v, ok := predicate.GetPath(doc, f)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(foldText(s), needle) {
			return true
		}
	}
	return false
}
