// Package predicate compiles a MongoDB-style query document into a SQL
// WHERE fragment plus bound parameters, routing whatever it cannot
// translate back to the caller as an "unresolved" filter subtree for
// in-process evaluation.
package predicate

import (
	"sort"

	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

// Fragment is a parameterized SQL boolean expression.
type Fragment struct {
	SQL  string
	Args []any
}

// And combines fragments with SQL AND, short-circuiting to the single
// operand when there is only one, and to "1" (always true) when there
// are none.
func And(frags ...Fragment) Fragment {
	parts := make([]string, 0, len(frags))
	var args []any
	for _, f := range frags {
		if f.SQL == "" {
			continue
		}
		parts = append(parts, "("+f.SQL+")")
		args = append(args, f.Args...)
	}
	if len(parts) == 0 {
		return Fragment{SQL: "1"}
	}
	if len(parts) == 1 {
		return Fragment{SQL: parts[0][1 : len(parts[0])-1], Args: args}
	}
	sql := parts[0]
	for _, p := range parts[1:] {
		sql += " AND " + p
	}
	return Fragment{SQL: sql, Args: args}
}

// Result is the outcome of compiling a query document.
type Result struct {
	Where      Fragment       // always valid; "1" when nothing was resolved
	Unresolved map[string]any // nil when the whole query translated to SQL
}

// Resolved reports whether the whole query compiled to SQL.
func (r Result) Resolved() bool { return r.Unresolved == nil }

// TextIndexLookup lets the compiler ask the index manager whether a
// $text search has a covering FTS table.
type TextIndexLookup interface {
	MatchText(fields []string, query string) (table string, ok bool)
}

// Compiler holds the dependencies shared across a single Compile call.
type Compiler struct {
	tr   *jsonpath.Translator
	text TextIndexLookup
}

func New(tr *jsonpath.Translator, text TextIndexLookup) *Compiler {
	return &Compiler{tr: tr, text: text}
}

// Compile translates query into a Result.
func (c *Compiler) Compile(query map[string]any) (Result, error) {
	node, err := c.compileDoc(query, "data")
	if err != nil {
		return Result{}, err
	}
	return Result{Where: node.frag, Unresolved: node.unresolved}, nil
}

// compiled is the internal working type: a resolved SQL fragment plus
// whatever subtree of the original query (in the same Mongo-filter
// shape) could not be translated. unresolved is nil when fully
// resolved; it is never a partial expression, it is either nil or a
// complete, independently re-evaluable filter document.
type compiled struct {
	frag       Fragment
	unresolved map[string]any
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
