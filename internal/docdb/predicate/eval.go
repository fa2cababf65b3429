package predicate

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Eval re-evaluates a filter document (or an "unresolved" subtree
// returned by Compile) against a decoded JSON document in process. It
// implements the same operator semantics as compile.go, minus the SQL
// shape, so a partially-resolved query's unresolved half can still be
// applied as a post-filter over rows the SQL half already narrowed.
func Eval(doc map[string]any, filter map[string]any) bool {
	for _, key := range sortedKeys(filter) {
		val := filter[key]
		switch {
		case key == "$and":
			if !evalLogical(doc, val, true) {
				return false
			}
		case key == "$or":
			if !evalLogical(doc, val, false) {
				return false
			}
		case key == "$nor":
			if evalLogical(doc, val, false) {
				return false
			}
		case key == "$not":
			sub, ok := val.(map[string]any)
			if ok && Eval(doc, sub) {
				return false
			}
		case key == "$text":
			if !evalText(doc, val) {
				return false
			}
		case strings.HasPrefix(key, "$"):
			// Unrecognized top-level operator: accept rather than
			// reject a row over a clause neither side understands.
			continue
		default:
			if !evalField(doc, key, val) {
				return false
			}
		}
	}
	return true
}

func evalLogical(doc map[string]any, val any, all bool) bool {
	arr, ok := val.([]any)
	if !ok {
		return false
	}
	for _, item := range arr {
		sub, ok := item.(map[string]any)
		if !ok {
			continue
		}
		matched := Eval(doc, sub)
		if all && !matched {
			return false
		}
		if !all && matched {
			return true
		}
	}
	return all
}

func evalField(doc map[string]any, field string, spec any) bool {
	val, exists := GetPath(doc, field)
	opMap, isOps := asOperatorMap(spec)
	if !isOps {
		return exists && Equal(val, spec)
	}
	for _, op := range sortedKeys(opMap) {
		if !evalOperator(val, exists, op, opMap[op]) {
			return false
		}
	}
	return true
}

func evalOperator(val any, exists bool, op string, v any) bool {
	switch op {
	case "$eq":
		return exists && Equal(val, v)
	case "$ne":
		return !exists || !Equal(val, v)
	case "$gt":
		return exists && Compare(val, v) > 0
	case "$gte":
		return exists && Compare(val, v) >= 0
	case "$lt":
		return exists && Compare(val, v) < 0
	case "$lte":
		return exists && Compare(val, v) <= 0
	case "$in":
		arr, ok := v.([]any)
		if !ok || !exists {
			return false
		}
		for _, e := range arr {
			if Equal(val, e) {
				return true
			}
		}
		return false
	case "$nin":
		return !evalOperator(val, exists, "$in", v)
	case "$exists":
		b, _ := v.(bool)
		// Absent and explicit-null are treated identically, matching
		// the compiled json_type form.
		return (exists && val != nil) == b
	case "$mod":
		arr, ok := v.([]any)
		if !ok || len(arr) != 2 || !exists {
			return false
		}
		n, ok1 := asNumber(val)
		div, ok2 := asInt(arr[0])
		rem, ok3 := asInt(arr[1])
		if !ok1 || !ok2 || !ok3 || div == 0 {
			return false
		}
		return int64(n)%div == rem
	case "$size":
		arr, ok := val.([]any)
		if !ok {
			return false
		}
		n, ok := asInt(v)
		return ok && int64(len(arr)) == n
	case "$regex":
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "$type":
		name, ok := v.(string)
		// Same mapping as compile.go's json_type form: "long" is an
		// integer like "int", "decimal" a real like "double", and a
		// missing field has no type.
		switch name {
		case "long":
			name = "int"
		case "decimal":
			name = "double"
		}
		return ok && exists && bsonTypeNameOf(val) == name
	case "$all":
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		elems, ok := val.([]any)
		if !ok {
			return false
		}
		for _, want := range arr {
			found := false
			for _, have := range elems {
				if Equal(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "$elemMatch":
		sub, ok := v.(map[string]any)
		if !ok {
			return false
		}
		elems, ok := val.([]any)
		if !ok {
			return false
		}
		opMap, isOps := asOperatorMap(sub)
		for _, e := range elems {
			if isOps {
				ok := true
				for _, o := range sortedKeys(opMap) {
					if !evalOperator(e, true, o, opMap[o]) {
						ok = false
						break
					}
				}
				if ok {
					return true
				}
				continue
			}
			if m, ok := e.(map[string]any); ok && Eval(m, sub) {
				return true
			}
		}
		return false
	case "$contains":
		s, ok := val.(string)
		sub, ok2 := v.(string)
		if !ok || !ok2 {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	default:
		return true
	}
}

var (
	textFolder     = cases.Fold()
	diacriticStrip = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// evalText implements the $text fallback used when no FTS table covers
// the search: case-folded, diacritic-insensitive substring match
// against every string-valued top-level field, or the fields named in
// $fields.
func evalText(doc map[string]any, spec any) bool {
	m, ok := spec.(map[string]any)
	if !ok {
		return false
	}
	search, _ := m["$search"].(string)
	if search == "" {
		return true
	}
	needle := foldText(search)
	var fields []string
	if fv, ok := m["$fields"].([]any); ok {
		for _, f := range fv {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	if len(fields) == 0 {
		for k := range doc {
			fields = append(fields, k)
		}
	}
	for _, f := range fields {
		val, ok := GetPath(doc, f)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		if strings.Contains(foldText(s), needle) {
			return true
		}
	}
	return false
}

func foldText(s string) string {
	stripped, _, err := transform.String(diacriticStrip, s)
	if err != nil {
		stripped = s
	}
	return textFolder.String(stripped)
}

// GetPath resolves a dotted field path (with numeric segments
// interpreted as array indices) against a decoded JSON document.
func GetPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func bsonTypeNameOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		if t == float64(int64(t)) {
			return "int"
		}
		return "double"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "unknown"
	}
}
