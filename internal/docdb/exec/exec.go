// Package exec runs an aggregation plan (internal/docdb/agg) against a
// SQLite connection: SQL steps query the base table or a temp table
// directly, TEMP steps materialize a named temp table (including
// $facet's combined sub-plans and $lookup's correlated-subselect join),
// and STREAM steps apply an in-process stage evaluator to the previous
// step's rows.
package exec

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opentracing/opentracing-go"

	"github.com/docxology/docdb/internal/docdb/agg"
	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

// Row is one (id, document) pair flowing between plan steps; _id is a
// field of the document.
// ID is zero once a stage (e.g. $group, $unwind) stops guaranteeing row
// identity.
type Row struct {
	ID  int64
	Doc map[string]any
}

// RowIter is the pull-based cursor returned by Execute.
type RowIter struct {
	rows []Row
	pos  int
}

func newRowIter(rows []Row) *RowIter { return &RowIter{rows: rows} }

// Next advances the iterator, returning false at exhaustion.
func (it *RowIter) Next() bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

// Doc returns the document at the iterator's current position.
func (it *RowIter) Doc() map[string]any { return it.rows[it.pos-1].Doc }

// RowID returns the current row's surviving identity, or 0 if the plan
// has already stopped preserving it.
func (it *RowIter) RowID() int64 { return it.rows[it.pos-1].ID }

// Len reports the total number of rows the iterator holds.
func (it *RowIter) Len() int { return len(it.rows) }

// Execute runs steps inside one savepoint, committing and dropping any
// temp tables on success and rolling back (which drops them by
// construction) on any error. Every statement of the savepoint's
// lifetime is issued against one acquired *sql.Conn: SQLite's SAVEPOINT
// state is per-connection, and db (the pool) gives no guarantee that
// sequential ExecContext calls land on the same connection.
func Execute(ctx context.Context, db *sql.DB, tr *jsonpath.Translator, steps []agg.Step) (*RowIter, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "docdb.aggregate")
	defer span.Finish()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	defer conn.Close()

	sp, err := savepointName()
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	if _, err := conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, dberrors.StoreError(err)
	}

	var tempTables []string
	rows, err := runSteps(ctx, conn, tr, steps, nil, &tempTables)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+sp)
		_, _ = conn.ExecContext(ctx, "RELEASE "+sp)
		return nil, err
	}
	for _, t := range tempTables {
		_, _ = conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t))
	}
	if _, err := conn.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return nil, dberrors.StoreError(err)
	}
	return newRowIter(rows), nil
}

// runSteps executes steps in order starting from input (nil meaning
// "the first step produces its own source"), accumulating any temp
// table names created along the way into tempTables for cleanup.
func runSteps(ctx context.Context, conn *sql.Conn, tr *jsonpath.Translator, steps []agg.Step, input []Row, tempTables *[]string) ([]Row, error) {
	cur := input
	for _, step := range steps {
		var err error
		switch step.Kind {
		case agg.KindSQL:
			cur, err = runSQL(ctx, conn, step)
		case agg.KindTemp:
			cur, err = runTemp(ctx, conn, tr, step, cur, tempTables)
		case agg.KindStream:
			cur, err = applyStage(step.Stage, cur)
		default:
			err = dberrors.MalformedPipeline("unknown plan step kind")
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func runSQL(ctx context.Context, conn *sql.Conn, step agg.Step) ([]Row, error) {
	rows, err := conn.QueryContext(ctx, step.SQL, step.Args...)
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var id int64
		var idText sql.NullString
		var dataJSON string
		if err := rows.Scan(&id, &idText, &dataJSON); err != nil {
			return nil, dberrors.StoreError(err)
		}
		doc, err := decodeRow(idText, dataJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{ID: id, Doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.StoreError(err)
	}
	return out, nil
}

// runTemp materializes a TEMP step: either a $facet's combined named
// sub-plans, or a $lookup's correlated-subselect join, written into a
// real TEMP TABLE so the step's output is backed by SQLite state for
// the remainder of the pipeline.
func runTemp(ctx context.Context, conn *sql.Conn, tr *jsonpath.Translator, step agg.Step, cur []Row, tempTables *[]string) ([]Row, error) {
	if lk, ok := step.Stage.(agg.LookupStage); ok {
		return runLookupTemp(ctx, conn, tr, step, lk, cur, tempTables)
	}
	return runFacetTemp(ctx, conn, tr, step, cur, tempTables)
}

func runFacetTemp(ctx context.Context, conn *sql.Conn, tr *jsonpath.Translator, step agg.Step, cur []Row, tempTables *[]string) ([]Row, error) {
	combined := map[string]any{}
	for name, sub := range step.Facets {
		rows, err := runSteps(ctx, conn, tr, sub, cur, tempTables)
		if err != nil {
			return nil, err
		}
		docs := make([]any, len(rows))
		for i, r := range rows {
			docs[i] = r.Doc
		}
		combined[name] = docs
	}
	dataJSON, err := json.Marshal(combined)
	if err != nil {
		return nil, dberrors.TypeErrorf("facet result is not JSON-encodable")
	}

	quoted := quoteIdent(step.TempName)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (id INTEGER PRIMARY KEY, _id TEXT, data TEXT NOT NULL)`, quoted)); err != nil {
		return nil, dberrors.StoreError(err)
	}
	*tempTables = append(*tempTables, step.TempName)
	if _, err := conn.ExecContext(ctx, "INSERT INTO "+quoted+"(id, _id, data) VALUES (1, NULL, ?)", string(dataJSON)); err != nil {
		return nil, dberrors.StoreError(err)
	}
	return []Row{{Doc: combined}}, nil
}

// runLookupTemp materializes cur into a source TEMP TABLE, then reads
// it back joined against the foreign collection's table through a
// correlated subselect producing a json_group_array per matching local
// row.
func runLookupTemp(ctx context.Context, conn *sql.Conn, tr *jsonpath.Translator, step agg.Step, lk agg.LookupStage, cur []Row, tempTables *[]string) ([]Row, error) {
	srcName := step.TempName + "_src"
	srcQuoted := quoteIdent(srcName)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (id INTEGER PRIMARY KEY, _id TEXT, data TEXT NOT NULL)`, srcQuoted)); err != nil {
		return nil, dberrors.StoreError(err)
	}
	*tempTables = append(*tempTables, srcName)

	stmt, err := conn.PrepareContext(ctx, "INSERT INTO "+srcQuoted+"(id, _id, data) VALUES (?, ?, ?)")
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	defer stmt.Close()
	for i, r := range cur {
		idText, dataJSON, err := encodeLookupRow(r.Doc)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, i+1, idText, dataJSON); err != nil {
			return nil, dberrors.StoreError(err)
		}
	}

	localSQL, err := lookupFieldSQL(tr, "src", lk.LocalField)
	if err != nil {
		return nil, err
	}
	foreignSQL, err := lookupFieldSQL(tr, "other", lk.ForeignField)
	if err != nil {
		return nil, err
	}
	asPath, err := tr.Extract("src.data", lk.As)
	if err != nil {
		return nil, err
	}

	quoted := quoteIdent(step.TempName)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (id INTEGER PRIMARY KEY, _id TEXT, data TEXT NOT NULL)`, quoted)); err != nil {
		return nil, dberrors.StoreError(err)
	}
	*tempTables = append(*tempTables, step.TempName)

	joinSQL := fmt.Sprintf(
		`INSERT INTO %s (id, _id, data)
		 SELECT src.id, src._id, json_set(src.data, '%s', COALESCE(
		   (SELECT json_group_array(json(other.data)) FROM %s AS other WHERE %s = %s),
		   json_array()))
		 FROM %s AS src`,
		quoted, asPath.Path, quoteIdent(lk.From), foreignSQL, localSQL, srcQuoted,
	)
	if _, err := conn.ExecContext(ctx, joinSQL); err != nil {
		return nil, dberrors.StoreError(err)
	}

	return runSQL(ctx, conn, agg.Step{SQL: fmt.Sprintf("SELECT id, _id, data FROM %s", quoted)})
}

// lookupFieldSQL resolves a $lookup join field against the given table
// alias. jsonpath.Extract ignores its target and emits a bare "_id" for
// any path rooted at the dedicated _id column; that's fine when only
// one table is in scope, but a $lookup join puts two tables (each with
// their own _id column) in the same WHERE clause, so the dedicated
// column must be re-qualified with alias here to avoid resolving to
// the wrong table's _id.
func lookupFieldSQL(tr *jsonpath.Translator, alias, field string) (string, error) {
	ext, err := tr.Extract(alias+".data", field)
	if err != nil {
		return "", err
	}
	if ext.Base != "_id" {
		return ext.SQL, nil
	}
	if ext.Path == "$" {
		return alias + "._id", nil
	}
	return strings.Replace(ext.SQL, "_id", alias+"._id", 1), nil
}

// encodeLookupRow marshals a row's document (minus _id, stored in its
// own column the way every collection table stores it) for insertion
// into a $lookup source temp table.
func encodeLookupRow(doc map[string]any) (idText, dataJSON string, err error) {
	clone := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		clone[k] = v
	}
	raw, _ := json.Marshal(clone)
	idVal := doc["_id"]
	if s, ok := idVal.(string); ok {
		idText = s
	} else {
		encoded, err := json.Marshal(idVal)
		if err != nil {
			return "", "", dberrors.TypeErrorf("_id value is not JSON-encodable")
		}
		idText = string(encoded)
	}
	return idText, string(raw), nil
}

// decodeRow reconstructs the logical document from a row. A NULL _id
// column (a $count or fused-$group projection, where any _id belongs in
// the data JSON itself) leaves the document untouched.
func decodeRow(idText sql.NullString, dataJSON string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &doc); err != nil {
		return nil, dberrors.StoreError(err)
	}
	if !idText.Valid {
		return doc, nil
	}
	var idVal any
	if err := json.Unmarshal([]byte(quoteIfBare(idText.String)), &idVal); err != nil {
		idVal = idText.String
	}
	doc["_id"] = idVal
	return doc, nil
}

func quoteIfBare(idText string) string {
	var tmp any
	if json.Unmarshal([]byte(idText), &tmp) == nil {
		return idText
	}
	b, _ := json.Marshal(idText)
	return string(b)
}

func savepointName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sp_agg_" + hex.EncodeToString(b), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
