package predicate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docxology/docdb/internal/docdb/dberrors"
)

// compileDoc compiles one filter document (an implicit AND of its
// top-level keys) against extraction target root (normally "data", or
// "je.value" when called recursively from $elemMatch).
func (c *Compiler) compileDoc(doc map[string]any, root string) (compiled, error) {
	var resolvedFrags []Fragment
	unresolved := map[string]any{}

	for _, key := range sortedKeys(doc) {
		val := doc[key]
		var node compiled
		var err error

		switch {
		case key == "$and":
			node, err = c.compileLogicalAnd(val, root)
		case key == "$or":
			node, err = c.compileLogicalOr(val, root, false)
		case key == "$nor":
			node, err = c.compileLogicalOr(val, root, true)
		case key == "$not":
			node, err = c.compileNot(val, root)
		case key == "$text":
			node, err = c.compileText(val)
		case strings.HasPrefix(key, "$"):
			// Unrecognized doc-level operator: route whole clause to
			// in-process evaluation rather than failing the query.
			node = compiled{unresolved: map[string]any{key: val}}
		default:
			node, err = c.compileFieldSpec(key, val, root)
		}
		if err != nil {
			return compiled{}, err
		}
		if node.frag.SQL != "" {
			resolvedFrags = append(resolvedFrags, node.frag)
		}
		for k, v := range node.unresolved {
			unresolved[k] = v
		}
	}

	out := compiled{frag: And(resolvedFrags...)}
	if len(unresolved) > 0 {
		out.unresolved = unresolved
	}
	return out, nil
}

func (c *Compiler) compileLogicalAnd(val any, root string) (compiled, error) {
	arr, ok := val.([]any)
	if !ok {
		return compiled{}, dberrors.MalformedQuery("$and requires an array")
	}
	var frags []Fragment
	var unresolvedList []any
	for _, item := range arr {
		sub, ok := item.(map[string]any)
		if !ok {
			return compiled{}, dberrors.MalformedQuery("$and elements must be objects")
		}
		node, err := c.compileDoc(sub, root)
		if err != nil {
			return compiled{}, err
		}
		if node.frag.SQL != "" {
			frags = append(frags, node.frag)
		}
		if node.unresolved != nil {
			unresolvedList = append(unresolvedList, node.unresolved)
		}
	}
	out := compiled{frag: And(frags...)}
	if len(unresolvedList) > 0 {
		out.unresolved = map[string]any{"$and": unresolvedList}
	}
	return out, nil
}

// compileLogicalOr compiles $or (or $nor, negated) across its branches.
// An OR cannot be safely split between SQL and in-process evaluation: a
// document might satisfy the whole disjunction purely through a branch
// that isn't SQL-translatable, so if any branch is unresolved the
// entire node is returned unresolved.
func (c *Compiler) compileLogicalOr(val any, root string, negate bool) (compiled, error) {
	arr, ok := val.([]any)
	if !ok {
		op := "$or"
		if negate {
			op = "$nor"
		}
		return compiled{}, dberrors.MalformedQuery(op + " requires an array")
	}
	var parts []string
	var args []any
	for _, item := range arr {
		sub, ok := item.(map[string]any)
		if !ok {
			return compiled{}, dberrors.MalformedQuery("$or/$nor elements must be objects")
		}
		node, err := c.compileDoc(sub, root)
		if err != nil {
			return compiled{}, err
		}
		if node.unresolved != nil {
			key := "$or"
			if negate {
				key = "$nor"
			}
			return compiled{unresolved: map[string]any{key: arr}}, nil
		}
		parts = append(parts, "("+node.frag.SQL+")")
		args = append(args, node.frag.Args...)
	}
	sql := strings.Join(parts, " OR ")
	if negate {
		sql = "NOT (" + sql + ")"
	}
	return compiled{frag: Fragment{SQL: sql, Args: args}}, nil
}

func (c *Compiler) compileNot(val any, root string) (compiled, error) {
	sub, ok := val.(map[string]any)
	if !ok {
		return compiled{}, dberrors.MalformedQuery("$not requires an object")
	}
	node, err := c.compileDoc(sub, root)
	if err != nil {
		return compiled{}, err
	}
	if node.unresolved != nil {
		return compiled{unresolved: map[string]any{"$not": sub}}, nil
	}
	return compiled{frag: Fragment{SQL: "NOT (" + node.frag.SQL + ")", Args: node.frag.Args}}, nil
}

func (c *Compiler) compileText(val any) (compiled, error) {
	spec, ok := val.(map[string]any)
	if !ok {
		return compiled{}, dberrors.MalformedQuery("$text requires an object with $search")
	}
	search, _ := spec["$search"].(string)
	if search == "" {
		return compiled{}, dberrors.MalformedQuery("$text.$search must be a non-empty string")
	}
	var fields []string
	if fv, ok := spec["$fields"].([]any); ok {
		for _, f := range fv {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	if c.text != nil {
		if table, ok := c.text.MatchText(fields, search); ok {
			sql := fmt.Sprintf("id IN (SELECT rowid FROM %s WHERE %s MATCH ?)", quoteIdent(table), quoteIdent(table))
			return compiled{frag: Fragment{SQL: sql, Args: []any{search}}}, nil
		}
	}
	return compiled{unresolved: map[string]any{"$text": spec}}, nil
}

// compileFieldSpec compiles the clause for one field. spec is either a
// literal (implicit $eq) or an object whose keys are all operators.
func (c *Compiler) compileFieldSpec(field string, spec any, root string) (compiled, error) {
	opMap, isOps := asOperatorMap(spec)
	if !isOps {
		return c.compileOperator(field, "$eq", spec, root)
	}

	var frags []Fragment
	unresolved := map[string]any{}
	for _, op := range sortedKeys(opMap) {
		node, err := c.compileOperator(field, op, opMap[op], root)
		if err != nil {
			return compiled{}, err
		}
		if node.frag.SQL != "" {
			frags = append(frags, node.frag)
		}
		for k, v := range node.unresolved {
			if m, ok := unresolved[field].(map[string]any); ok {
				m[k] = v
			} else {
				unresolved[field] = map[string]any{k: v}
			}
		}
	}
	out := compiled{frag: And(frags...)}
	if len(unresolved) > 0 {
		out.unresolved = unresolved
	}
	return out, nil
}

// asOperatorMap reports whether spec is a map whose keys are all
// operator names ("$gt", "$in", ...), in which case it is NOT a literal
// equality value (e.g. an embedded sub-document to match by $eq).
func asOperatorMap(spec any) (map[string]any, bool) {
	m, ok := spec.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// compileOperator compiles a single (field, operator, value) triple.
// unresolved results are returned wrapped as {op: value} so the caller
// can merge them back under the owning field.
func (c *Compiler) compileOperator(field, op string, val any, root string) (compiled, error) {
	ext, err := c.tr.Extract(root, field)
	if err != nil {
		return compiled{}, err
	}

	switch op {
	case "$eq":
		return c.compileEq(field, ext.SQL, val, false), nil
	case "$ne":
		return c.compileEq(field, ext.SQL, val, true), nil
	case "$gt", "$gte", "$lt", "$lte":
		return c.compileRange(ext.SQL, op, val)
	case "$in", "$nin":
		return c.compileInNin(field, ext.SQL, op, val)
	case "$exists":
		b, _ := val.(bool)
		typed := fmt.Sprintf("json_type(%s, '%s')", ext.Base, ext.Path)
		if ext.Path == "$" {
			typed = fmt.Sprintf("json_type(%s)", ext.Base)
		}
		// Absent and explicit-null are treated identically: json_type
		// reports NULL for a missing path and 'null' for a stored null.
		var sql string
		if b {
			sql = fmt.Sprintf("%s IS NOT NULL AND %s != 'null'", typed, typed)
		} else {
			sql = fmt.Sprintf("(%s IS NULL OR %s = 'null')", typed, typed)
		}
		return compiled{frag: Fragment{SQL: sql}}, nil
	case "$mod":
		arr, ok := val.([]any)
		if !ok || len(arr) != 2 {
			return compiled{}, dberrors.MalformedQuery("$mod requires [divisor, remainder]")
		}
		div, ok1 := asInt(arr[0])
		rem, ok2 := asInt(arr[1])
		if !ok1 || !ok2 {
			return compiled{}, dberrors.TypeErrorf("$mod operands must be integers")
		}
		sql := fmt.Sprintf("(CAST(%s AS INTEGER) %% ?) = ?", ext.SQL)
		return compiled{frag: Fragment{SQL: sql, Args: []any{div, rem}}}, nil
	case "$size":
		n, ok := asInt(val)
		if !ok {
			return compiled{}, dberrors.TypeErrorf("$size operand must be an integer")
		}
		sql := fmt.Sprintf("json_array_length(%s, '%s') = ?", ext.Base, ext.Path)
		return compiled{frag: Fragment{SQL: sql, Args: []any{n}}}, nil
	case "$regex":
		// No store-provided regex predicate is assumed available;
		// route to in-process evaluation.
		return compiled{unresolved: map[string]any{"$regex": val}}, nil
	case "$type":
		if name, _ := val.(string); name == "bool" {
			// json_type reports "true"/"false" for booleans depending on
			// the value, so a single-value equality would miss every
			// false document; eval.go's bsonTypeNameOf matches both.
			sql := fmt.Sprintf("json_type(%s, '%s') IN ('true', 'false')", ext.Base, ext.Path)
			return compiled{frag: Fragment{SQL: sql}}, nil
		}
		jt, err := bsonTypeToJSONType(val)
		if err != nil {
			return compiled{}, err
		}
		sql := fmt.Sprintf("json_type(%s, '%s') = ?", ext.Base, ext.Path)
		return compiled{frag: Fragment{SQL: sql, Args: []any{jt}}}, nil
	case "$all":
		arr, ok := val.([]any)
		if !ok {
			return compiled{}, dberrors.MalformedQuery("$all requires an array")
		}
		var frags []Fragment
		for _, elem := range arr {
			sql := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s, '%s') je WHERE je.value = ?)", ext.Base, ext.Path)
			frags = append(frags, Fragment{SQL: sql, Args: []any{elem}})
		}
		return compiled{frag: And(frags...)}, nil
	case "$elemMatch":
		sub, ok := val.(map[string]any)
		if !ok {
			return compiled{}, dberrors.MalformedQuery("$elemMatch requires an object")
		}
		return c.compileElemMatch(ext.Base, ext.Path, sub)
	case "$contains":
		s, ok := val.(string)
		if !ok {
			return compiled{}, dberrors.MalformedQuery("$contains requires a string")
		}
		sql := fmt.Sprintf("LOWER(%s) LIKE '%%' || LOWER(?) || '%%'", ext.SQL)
		return compiled{frag: Fragment{SQL: sql, Args: []any{s}}}, nil
	default:
		return compiled{unresolved: map[string]any{op: val}}, nil
	}
}

// compileElemMatch handles both forms: an operator-only spec applied
// directly to each array element (e.g. {$gt: 5}), and a sub-document
// spec applied to each object element.
func (c *Compiler) compileElemMatch(root, path string, sub map[string]any) (compiled, error) {
	elemRoot := "je.value"
	var inner compiled
	var err error
	if opMap, isOps := asOperatorMap(sub); isOps {
		var frags []Fragment
		unresolved := map[string]any{}
		for _, op := range sortedKeys(opMap) {
			n, e := c.compileOperatorOnTarget(elemRoot, op, opMap[op])
			if e != nil {
				return compiled{}, e
			}
			if n.frag.SQL != "" {
				frags = append(frags, n.frag)
			}
			for k, v := range n.unresolved {
				unresolved[k] = v
			}
		}
		inner = compiled{frag: And(frags...)}
		if len(unresolved) > 0 {
			inner.unresolved = unresolved
		}
	} else {
		inner, err = c.compileDoc(sub, elemRoot)
		if err != nil {
			return compiled{}, err
		}
	}
	if inner.unresolved != nil {
		return compiled{unresolved: map[string]any{"$elemMatch": sub}}, nil
	}
	sql := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s, '%s') je WHERE %s)", root, path, inner.frag.SQL)
	return compiled{frag: Fragment{SQL: sql, Args: inner.frag.Args}}, nil
}

// compileOperatorOnTarget applies a comparison operator directly to a
// target SQL expression (used by $elemMatch over scalar array values,
// where there is no field name to extract, just je.value itself).
func (c *Compiler) compileOperatorOnTarget(target, op string, val any) (compiled, error) {
	switch op {
	case "$eq":
		return compiled{frag: Fragment{SQL: target + " = ?", Args: []any{val}}}, nil
	case "$ne":
		return compiled{frag: Fragment{SQL: target + " != ?", Args: []any{val}}}, nil
	case "$gt":
		return compiled{frag: Fragment{SQL: target + " > ?", Args: []any{val}}}, nil
	case "$gte":
		return compiled{frag: Fragment{SQL: target + " >= ?", Args: []any{val}}}, nil
	case "$lt":
		return compiled{frag: Fragment{SQL: target + " < ?", Args: []any{val}}}, nil
	case "$lte":
		return compiled{frag: Fragment{SQL: target + " <= ?", Args: []any{val}}}, nil
	default:
		return compiled{unresolved: map[string]any{op: val}}, nil
	}
}

// compileEq handles the mixed-_id interpretation when field is "_id":
// an integer literal is also tried against the internal row id column,
// since documents created before _id population (or by a
// caller-supplied integer shorthand) may only match there.
func (c *Compiler) compileEq(field, extractSQL string, val any, negate bool) compiled {
	op := "="
	if negate {
		op = "!="
	}
	if field == "_id" {
		// An integer literal is plausible either as the internal row id
		// (documents created before _id population) or as a numeric _id
		// JSON value; a digit-only string is plausible either as that
		// same row id (callers often pass ids as strings) or as an
		// opaque/string _id value. Both cases emit the disjunction.
		// Anything else (non-digit strings, including 24-char opaque
		// hex ids) can only be a JSON _id value.
		if n, ok := val.(float64); ok {
			encoded, _ := json.Marshal(val)
			sql := fmt.Sprintf("(id %s ? OR %s %s ?)", op, extractSQL, op)
			if negate {
				sql = fmt.Sprintf("(id %s ? AND %s %s ?)", op, extractSQL, op)
			}
			return compiled{frag: Fragment{SQL: sql, Args: []any{int64(n), string(encoded)}}}
		}
		if s, ok := val.(string); ok {
			// The _id column stores string values bare (see the collection
			// package's encodeDoc), so the comparison binds the raw string,
			// not its JSON encoding.
			if isAllDigits(s) {
				sql := fmt.Sprintf("(id %s ? OR %s %s ?)", op, extractSQL, op)
				if negate {
					sql = fmt.Sprintf("(id %s ? AND %s %s ?)", op, extractSQL, op)
				}
				return compiled{frag: Fragment{SQL: sql, Args: []any{s, s}}}
			}
			sql := fmt.Sprintf("%s %s ?", extractSQL, op)
			return compiled{frag: Fragment{SQL: sql, Args: []any{s}}}
		}
	}
	encoded, err := json.Marshal(val)
	if err != nil {
		return compiled{unresolved: map[string]any{"$eq": val}}
	}
	sqlOp := "IS"
	if negate {
		sqlOp = "IS NOT"
	}
	if isJSONScalar(val) {
		return compiled{frag: Fragment{SQL: fmt.Sprintf("%s %s ?", extractSQL, sqlOp), Args: []any{scalarBindValue(val)}}}
	}
	// Objects/arrays: compare canonical JSON text (approximate; does not
	// account for key-order-insensitive object equality).
	return compiled{frag: Fragment{SQL: fmt.Sprintf("%s %s ?", extractSQL, sqlOp), Args: []any{string(encoded)}}}
}

func (c *Compiler) compileRange(extractSQL, op string, val any) (compiled, error) {
	sqlOp := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[op]
	if !isJSONScalar(val) {
		return compiled{}, dberrors.TypeErrorf(op + " requires a scalar operand")
	}
	return compiled{frag: Fragment{SQL: fmt.Sprintf("%s %s ?", extractSQL, sqlOp), Args: []any{scalarBindValue(val)}}}, nil
}

func (c *Compiler) compileInNin(field, extractSQL, op string, val any) (compiled, error) {
	arr, ok := val.([]any)
	if !ok {
		return compiled{}, dberrors.MalformedQuery(op + " requires an array")
	}
	placeholders := make([]string, 0, len(arr))
	args := make([]any, 0, len(arr))
	for _, v := range arr {
		if !isJSONScalar(v) {
			return compiled{}, dberrors.TypeErrorf(op + " elements must be scalar")
		}
		placeholders = append(placeholders, "?")
		args = append(args, scalarBindValue(v))
	}
	kw := "IN"
	if op == "$nin" {
		kw = "NOT IN"
	}
	sql := fmt.Sprintf("%s %s (%s)", extractSQL, kw, strings.Join(placeholders, ", "))
	return compiled{frag: Fragment{SQL: sql, Args: args}}, nil
}

func isJSONScalar(v any) bool {
	switch v.(type) {
	case nil, bool, float64, float32, int, int32, int64, string:
		return true
	default:
		return false
	}
}

// scalarBindValue normalizes a decoded JSON scalar into the Go value
// bound to the SQL parameter, matching what json_extract returns for
// the same JSON type so comparisons behave consistently.
func scalarBindValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var bsonTypeNames = map[string]string{
	"double":  "real",
	"string":  "text",
	"object":  "object",
	"array":   "array",
	"bool":    "true", // SQLite json_type reports "true"/"false" for booleans
	"null":    "null",
	"int":     "integer",
	"long":    "integer",
	"decimal": "real",
}

func bsonTypeToJSONType(val any) (string, error) {
	name, ok := val.(string)
	if !ok {
		return "", dberrors.MalformedQuery("$type requires a string type name")
	}
	jt, ok := bsonTypeNames[name]
	if !ok {
		return "", dberrors.MalformedQuery("$type: unknown type name " + name)
	}
	return jt, nil
}
