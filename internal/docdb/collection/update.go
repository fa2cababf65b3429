package collection

import (
	"strconv"
	"strings"
	"time"

	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

// applyUpdate mutates doc in place per the Mongo-style update document;
// setOnInsert fields apply only when isInsert is true (the upsert
// created-a-new-document path).
func applyUpdate(doc map[string]any, update map[string]any, isInsert bool) error {
	for _, op := range sortedKeys(update) {
		switch op {
		case "$set":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				if k == "_id" {
					return dberrors.TypeErrorf("_id is immutable")
				}
				setPath(doc, k, v)
			}
		case "$setOnInsert":
			if !isInsert {
				continue
			}
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				setPath(doc, k, v)
			}
		case "$unset":
			m, _ := update[op].(map[string]any)
			for k := range m {
				if k == "_id" {
					return dberrors.TypeErrorf("_id is immutable")
				}
				unsetPath(doc, k)
			}
		case "$inc":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				delta, ok := asNumber(v)
				if !ok {
					return dberrors.TypeErrorf("$inc operand must be numeric")
				}
				cur, _ := predicate.GetPath(doc, k)
				base, _ := asNumber(cur)
				setPath(doc, k, base+delta)
			}
		case "$mul":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				factor, ok := asNumber(v)
				if !ok {
					return dberrors.TypeErrorf("$mul operand must be numeric")
				}
				cur, _ := predicate.GetPath(doc, k)
				base, _ := asNumber(cur)
				setPath(doc, k, base*factor)
			}
		case "$min":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, exists := predicate.GetPath(doc, k)
				if !exists || predicate.Compare(v, cur) < 0 {
					setPath(doc, k, v)
				}
			}
		case "$max":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, exists := predicate.GetPath(doc, k)
				if !exists || predicate.Compare(v, cur) > 0 {
					setPath(doc, k, v)
				}
			}
		case "$rename":
			m, _ := update[op].(map[string]any)
			for from, toAny := range m {
				to, ok := toAny.(string)
				if !ok {
					return dberrors.TypeErrorf("$rename target must be a string path")
				}
				if v, exists := predicate.GetPath(doc, from); exists {
					unsetPath(doc, from)
					setPath(doc, to, v)
				}
			}
		case "$push":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, _ := predicate.GetPath(doc, k)
				arr, _ := cur.([]any)
				setPath(doc, k, append(append([]any{}, arr...), v))
			}
		case "$pull":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, _ := predicate.GetPath(doc, k)
				arr, ok := cur.([]any)
				if !ok {
					continue
				}
				out := make([]any, 0, len(arr))
				for _, e := range arr {
					if matchesPull(e, v) {
						continue
					}
					out = append(out, e)
				}
				setPath(doc, k, out)
			}
		case "$pop":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, _ := predicate.GetPath(doc, k)
				arr, ok := cur.([]any)
				if !ok || len(arr) == 0 {
					continue
				}
				n, _ := asNumber(v)
				if n < 0 {
					setPath(doc, k, arr[1:])
				} else {
					setPath(doc, k, arr[:len(arr)-1])
				}
			}
		case "$addToSet":
			m, _ := update[op].(map[string]any)
			for k, v := range m {
				cur, _ := predicate.GetPath(doc, k)
				arr, _ := cur.([]any)
				found := false
				for _, e := range arr {
					if predicate.Equal(e, v) {
						found = true
						break
					}
				}
				if !found {
					arr = append(append([]any{}, arr...), v)
				}
				setPath(doc, k, arr)
			}
		case "$currentDate":
			m, _ := update[op].(map[string]any)
			now := time.Now().UTC().Format(time.RFC3339Nano)
			for k := range m {
				setPath(doc, k, now)
			}
		default:
			return dberrors.MalformedQuery("unsupported update operator " + op)
		}
	}
	return nil
}

// matchesPull reports whether element e should be removed by a $pull
// spec, which is either a literal value (equality) or a query document
// evaluated against e (when e is itself an object).
func matchesPull(e, spec any) bool {
	if m, ok := spec.(map[string]any); ok {
		if doc, ok := e.(map[string]any); ok {
			return predicate.Eval(doc, m)
		}
		return false
	}
	return predicate.Equal(e, spec)
}

func asNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// setPath assigns value at a dotted path, creating intermediate
// objects as needed. A numeric segment navigates into an existing
// array; it does not grow one.
func setPath(doc map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := doc
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		next, ok := cur[seg]
		if !ok {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		switch n := next.(type) {
		case map[string]any:
			cur = n
		case []any:
			idx, err := strconv.Atoi(segs[i+1])
			if err != nil || idx < 0 || idx >= len(n) {
				return
			}
			i++ // the numeric segment is consumed here
			if i == len(segs)-1 {
				n[idx] = value
				return
			}
			if m, ok := n[idx].(map[string]any); ok {
				cur = m
			} else {
				return
			}
		default:
			return
		}
	}
	cur[segs[len(segs)-1]] = value
}

func unsetPath(doc map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			return
		}
		m, ok := next.(map[string]any)
		if !ok {
			return
		}
		cur = m
	}
	delete(cur, segs[len(segs)-1])
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Deterministic order isn't semantically required here (update
	// operators commute across distinct top-level keys), but keeps
	// test output and error messages stable.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
