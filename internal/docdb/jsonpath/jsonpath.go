// Package jsonpath translates dotted document field paths ("a.b.2.c")
// into the SQLite JSON path literal form ("$.a.b[2].c") and the SQL
// extraction expression used to read them out of a collection's data
// column.
package jsonpath

import (
	"strconv"
	"strings"

	"github.com/docxology/docdb/internal/docdb/dberrors"
)

// Family selects which JSON function family the translator emits.
// modernc.org/sqlite has no binary-JSON column type, so the engine
// always resolves to Text today; Binary is kept so a store that does
// offer one (a future SQLite build, or another embedding) can flip the
// flag without any caller change.
type Family int

const (
	Text Family = iota
	Binary
)

// Extraction is the result of translating a path: the SQL fragment that
// reads the value out of target (normally "data", or "_id" for the
// dedicated column) and the JSON path literal SQLite expects.
type Extraction struct {
	SQL  string // e.g. json_extract(data, '$.a.b[2]')
	Path string // e.g. $.a.b[2]
	Base string // the column/expression the path is relative to, e.g. "data" or "_id"
}

// Translator holds the per-connection family decision: a single flag
// chosen once when the connection is opened.
type Translator struct {
	family Family
}

func New(f Family) *Translator { return &Translator{family: f} }

// funcName returns the json_extract-equivalent function name for the
// translator's family: Text keeps SQLite's json1 name, and Binary
// swaps the json_ prefix for jsonb_ (e.g. "jsonb_extract").
func (t *Translator) funcName(base string) string {
	switch t.family {
	case Binary:
		return "jsonb_" + strings.TrimPrefix(base, "json_")
	default:
		return base
	}
}

// Extract translates a dotted path against the given target column
// expression (normally "data"). A leading segment of "_id" is rewritten
// to read straight from the dedicated _id column so the unique index on
// it can be used, regardless of the target passed in.
func (t *Translator) Extract(target, path string) (Extraction, error) {
	segs, err := split(path)
	if err != nil {
		return Extraction{}, err
	}
	if len(segs) > 0 && segs[0] == "_id" {
		if len(segs) == 1 {
			return Extraction{SQL: "_id", Path: "$", Base: "_id"}, nil
		}
		lit := literalFor(segs[1:])
		return Extraction{SQL: t.funcName("json_extract") + "(_id, '" + lit + "')", Path: lit, Base: "_id"}, nil
	}
	if len(segs) == 1 && segs[0] == "$" {
		return Extraction{SQL: target, Path: "$", Base: target}, nil
	}
	lit := literalFor(segs)
	return Extraction{SQL: t.funcName("json_extract") + "(" + target + ", '" + lit + "')", Path: lit, Base: target}, nil
}

// literalFor renders already-split segments as a SQLite JSON path
// literal: a leading "$", then ".field" for names and "[N]" for
// integer array indices.
func literalFor(segs []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, s := range segs {
		if s == "$" {
			continue
		}
		if isArrayIndex(s) {
			b.WriteString("[")
			b.WriteString(s)
			b.WriteString("]")
		} else {
			b.WriteString(".")
			b.WriteString(s)
		}
	}
	return b.String()
}

func isArrayIndex(seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := strconv.Atoi(seg); err != nil {
		return false
	}
	return true
}

// split validates and splits a dotted path into segments. A path
// consisting solely of "$" selects the whole document.
func split(path string) ([]string, error) {
	if path == "" {
		return nil, dberrors.InvalidPath("empty path")
	}
	if path == "$" {
		return []string{"$"}, nil
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return nil, dberrors.InvalidPath("leading or trailing dot in " + path)
	}
	if strings.Contains(path, "..") {
		return nil, dberrors.InvalidPath("double dot in " + path)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, dberrors.InvalidPath("empty segment in " + path)
		}
		// Path literals are interpolated into SQL inside single quotes;
		// quote characters in a segment can't be represented there.
		if strings.ContainsAny(s, `'"`) {
			return nil, dberrors.InvalidPath("quote character in " + path)
		}
	}
	return segs, nil
}

// IsIDPath reports whether path refers to the dedicated _id column
// (bare "_id" or a sub-path of it), used by callers that need to decide
// whether a comparison can use the unique _id index.
func IsIDPath(path string) bool {
	return path == "_id" || strings.HasPrefix(path, "_id.")
}
