package collection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/docxology/docdb/internal/docdb/changestream"
	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

// SortKey orders a Find result by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// FindOptions controls a Find call's SQL-pushdown shape and the
// projection applied to each returned document.
type FindOptions struct {
	Projection map[string]any
	Sort       []SortKey
	Skip       int64
	Limit      int64
}

// UpdateOptions controls UpdateOne/UpdateMany/ReplaceOne.
type UpdateOptions struct {
	Upsert bool
}

// UpdateResult reports how many documents an update touched.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID string
	DidUpsert  bool
}

// DeleteResult reports how many documents a delete removed.
type DeleteResult struct {
	Deleted int64
}

// InsertOne inserts a single document, assigning a fresh opaque _id
// when the caller didn't supply one.
func (c *Collection) InsertOne(ctx context.Context, doc map[string]any) (string, error) {
	idText, dataJSON, err := encodeDoc(doc)
	if err != nil {
		return "", err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO `+quoteIdent(c.name)+`(_id, data) VALUES (?, ?)`, idText, dataJSON)
	if err != nil {
		return "", c.Index.ResolveConstraintError(err)
	}
	after, derr := decodeRow(idText, dataJSON)
	if derr == nil {
		c.publish(changestream.Event{Type: changestream.Insert, DocID: idText, After: after})
	}
	return idText, nil
}

// InsertMany inserts every document inside one savepoint; a failure on
// any document rolls back the whole batch. Every statement of the savepoint's
// lifetime runs against one pinned connection, since SAVEPOINT state is
// connection-scoped and the pool gives no guarantee that two
// ExecContext calls land on the same connection.
func (c *Collection) InsertMany(ctx context.Context, docs []map[string]any) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	conn, release, err := c.Conn(ctx)
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	defer release()
	bound := c.Bind(conn)

	sp := c.nextSavepoint("sp_insert_many")
	if _, err := conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, dberrors.StoreError(err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		id, err := bound.InsertOne(ctx, d)
		if err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+sp)
			_, _ = conn.ExecContext(ctx, "RELEASE "+sp)
			return nil, err
		}
		ids = append(ids, id)
	}
	if _, err := conn.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return nil, dberrors.StoreError(err)
	}
	return ids, nil
}

// Cursor is a pull-based iterator over (id, _id, data) rows, applying
// any unresolved filter subtree as an in-process post-filter.
type Cursor struct {
	rows       *sql.Rows
	unresolved map[string]any
	cur        map[string]any
	rowID      int64
	err        error
	closed     bool

	// skip/limit applied after the unresolved post-filter, for queries
	// where pushing them into SQL would count rows the post-filter is
	// about to reject.
	skip     int64
	limit    int64
	returned int64

	projection map[string]any
}

// Next advances to the next document satisfying the cursor's
// unresolved post-filter (if any), returning false at exhaustion or on
// error (check Err after a false return).
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.limit > 0 && c.returned >= c.limit {
		return false
	}
	for c.rows.Next() {
		var idText, dataJSON string
		if err := c.rows.Scan(&c.rowID, &idText, &dataJSON); err != nil {
			c.err = dberrors.StoreError(err)
			return false
		}
		doc, err := decodeRow(idText, dataJSON)
		if err != nil {
			c.err = err
			return false
		}
		if c.unresolved != nil && !predicate.Eval(doc, c.unresolved) {
			continue
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		if c.projection != nil {
			doc = applyProjection(doc, c.projection)
		}
		c.cur = doc
		c.returned++
		return true
	}
	if err := c.rows.Err(); err != nil {
		c.err = dberrors.StoreError(err)
	}
	return false
}

// Doc returns the document at the cursor's current position.
func (c *Cursor) Doc() map[string]any { return c.cur }

// RowID returns the internal row id backing the current document.
func (c *Cursor) RowID() int64 { return c.rowID }

// Err returns the first error encountered during iteration.
func (c *Cursor) Err() error { return c.err }

// Close releases the underlying rows handle. Safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}

// Find compiles filter and returns a Cursor over matching documents.
// Non-pushdown predicates are still applied, as an in-process
// post-filter, by the returned Cursor — the caller sees only matching
// documents regardless of how much of the query reached SQL.
func (c *Collection) Find(ctx context.Context, filter map[string]any, opts FindOptions) (*Cursor, error) {
	res, err := c.pc.Compile(filter)
	if err != nil {
		return nil, err
	}
	sqlStr := fmt.Sprintf("SELECT id, _id, data FROM %s WHERE %s", quoteIdent(c.name), res.Where.SQL)
	if len(opts.Sort) > 0 {
		parts := make([]string, len(opts.Sort))
		for i, s := range opts.Sort {
			ext, err := c.tr.Extract("data", s.Field)
			if err != nil {
				return nil, err
			}
			dir := "ASC"
			if s.Desc {
				dir = "DESC"
			}
			parts[i] = ext.SQL + " " + dir
		}
		sqlStr += " ORDER BY " + strings.Join(parts, ", ")
	}
	args := res.Where.Args
	cur := &Cursor{unresolved: res.Unresolved, projection: opts.Projection}
	if res.Resolved() {
		// Skip/limit can only be pushed into SQL when the whole filter
		// did: with an unresolved subtree, the SQL LIMIT would count rows
		// the post-filter is about to reject.
		if opts.Limit > 0 {
			sqlStr += " LIMIT ?"
			args = append(args, opts.Limit)
			if opts.Skip > 0 {
				sqlStr += " OFFSET ?"
				args = append(args, opts.Skip)
			}
		} else if opts.Skip > 0 {
			sqlStr += " LIMIT -1 OFFSET ?"
			args = append(args, opts.Skip)
		}
	} else {
		cur.skip = opts.Skip
		cur.limit = opts.Limit
	}

	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, dberrors.StoreError(err)
	}
	cur.rows = rows
	return cur, nil
}

// FindOne returns the first document matching filter, if any.
func (c *Collection) FindOne(ctx context.Context, filter map[string]any) (map[string]any, bool, error) {
	cur, err := c.Find(ctx, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, false, err
	}
	defer cur.Close()
	if cur.Next() {
		return cur.Doc(), true, nil
	}
	return nil, false, cur.Err()
}

// matchingRows collects (rowID, doc) pairs for filter, used by the
// mutating operations which need the full match set before deciding
// which rows to touch.
func (c *Collection) matchingRows(ctx context.Context, filter map[string]any, limit int64) ([]int64, []map[string]any, error) {
	cur, err := c.Find(ctx, filter, FindOptions{Limit: limit})
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close()
	var ids []int64
	var docs []map[string]any
	for cur.Next() {
		ids = append(ids, cur.RowID())
		docs = append(docs, cur.Doc())
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return ids, docs, nil
}

// applyProjection shapes one document per a Mongo-style projection:
// truthy values include (with _id kept unless the projection addresses
// it), zero/false values exclude, and "$path" string values rename a
// field reference. Inclusion and exclusion are decided by whether any
// field is included, matching the aggregation $project evaluator.
func applyProjection(doc, spec map[string]any) map[string]any {
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
			include[field] = true
		}
	}
	if len(include) == 0 {
		out := cloneDoc(doc)
		for field := range exclude {
			delete(out, field)
		}
		return out
	}
	out := map[string]any{}
	if _, addressed := spec["_id"]; !addressed {
		if v, ok := doc["_id"]; ok {
			out["_id"] = v
		}
	}
	for field := range include {
		switch lit := spec[field].(type) {
		case float64, bool:
			if v, ok := predicate.GetPath(doc, field); ok {
				setPath(out, field, v)
			}
		case string:
			if strings.HasPrefix(lit, "$") {
				if v, ok := predicate.GetPath(doc, lit[1:]); ok {
					setPath(out, field, v)
				}
			} else {
				out[field] = lit
			}
		default:
			out[field] = lit
		}
	}
	return out
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (c *Collection) updateRow(ctx context.Context, rowID int64, before, doc map[string]any) error {
	idText, dataJSON, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `UPDATE `+quoteIdent(c.name)+` SET data = ? WHERE id = ?`, dataJSON, rowID)
	if err != nil {
		return c.Index.ResolveConstraintError(err)
	}
	after, derr := decodeRow(idText, dataJSON)
	if derr == nil {
		c.publish(changestream.Event{Type: changestream.Update, DocID: idText, Before: before, After: after})
	}
	return nil
}

// UpdateOne applies update to the first document matching filter. With
// Upsert and no match, a new document is built from filter's top-level
// equality fields, every operator of update ($setOnInsert included) is
// applied to it, and it is inserted.
func (c *Collection) UpdateOne(ctx context.Context, filter, update map[string]any, opts UpdateOptions) (UpdateResult, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return UpdateResult{}, err
	}
	if len(ids) == 0 {
		if !opts.Upsert {
			return UpdateResult{}, nil
		}
		return c.upsert(ctx, filter, update)
	}
	doc := docs[0]
	before := cloneDoc(doc)
	if err := applyUpdate(doc, update, false); err != nil {
		return UpdateResult{}, err
	}
	if err := c.updateRow(ctx, ids[0], before, doc); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Matched: 1, Modified: 1}, nil
}

// UpdateMany applies update to every document matching filter, inside
// one savepoint pinned to a single connection (see InsertMany).
func (c *Collection) UpdateMany(ctx context.Context, filter, update map[string]any, opts UpdateOptions) (UpdateResult, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 0)
	if err != nil {
		return UpdateResult{}, err
	}
	if len(ids) == 0 {
		if !opts.Upsert {
			return UpdateResult{}, nil
		}
		return c.upsert(ctx, filter, update)
	}
	conn, release, err := c.Conn(ctx)
	if err != nil {
		return UpdateResult{}, dberrors.StoreError(err)
	}
	defer release()
	bound := c.Bind(conn)

	sp := c.nextSavepoint("sp_update_many")
	if _, err := conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return UpdateResult{}, dberrors.StoreError(err)
	}
	var modified int64
	for i, doc := range docs {
		before := cloneDoc(doc)
		if err := applyUpdate(doc, update, false); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+sp)
			_, _ = conn.ExecContext(ctx, "RELEASE "+sp)
			return UpdateResult{}, err
		}
		if err := bound.updateRow(ctx, ids[i], before, doc); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+sp)
			_, _ = conn.ExecContext(ctx, "RELEASE "+sp)
			return UpdateResult{}, err
		}
		modified++
	}
	if _, err := conn.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return UpdateResult{}, dberrors.StoreError(err)
	}
	return UpdateResult{Matched: int64(len(ids)), Modified: modified}, nil
}

// upsert builds a new document from filter's top-level equality
// clauses, applies every operator of update to it ($setOnInsert
// included), and inserts it.
func (c *Collection) upsert(ctx context.Context, filter, update map[string]any) (UpdateResult, error) {
	doc := map[string]any{}
	for k, v := range filter {
		if strings.HasPrefix(k, "$") {
			continue
		}
		if _, isOps := v.(map[string]any); isOps {
			continue
		}
		doc[k] = v
	}
	if err := applyUpdate(doc, update, true); err != nil {
		return UpdateResult{}, err
	}
	id, err := c.InsertOne(ctx, doc)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{UpsertedID: id, DidUpsert: true}, nil
}

// ReplaceOne swaps the first document matching filter for replacement,
// preserving the original _id (the replacement's own _id, if any, must
// match or be absent).
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement map[string]any, opts UpdateOptions) (UpdateResult, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return UpdateResult{}, err
	}
	if len(ids) == 0 {
		if !opts.Upsert {
			return UpdateResult{}, nil
		}
		doc := map[string]any{}
		for k, v := range replacement {
			doc[k] = v
		}
		id, err := c.InsertOne(ctx, doc)
		if err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{UpsertedID: id, DidUpsert: true}, nil
	}
	if rv, ok := replacement["_id"]; ok && !predicate.Equal(rv, docs[0]["_id"]) {
		return UpdateResult{}, dberrors.TypeErrorf("_id is immutable")
	}
	newDoc := map[string]any{"_id": docs[0]["_id"]}
	for k, v := range replacement {
		if k == "_id" {
			continue
		}
		newDoc[k] = v
	}
	if err := c.updateRow(ctx, ids[0], docs[0], newDoc); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Matched: 1, Modified: 1}, nil
}

func (c *Collection) deleteRows(ctx context.Context, ids []int64, docs []map[string]any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(c.name)+` WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, dberrors.StoreError(err)
	}
	n, _ := res.RowsAffected()
	for _, doc := range docs {
		idText, _ := doc["_id"].(string)
		c.publish(changestream.Event{Type: changestream.Delete, DocID: idText, Before: doc})
	}
	return n, nil
}

// DeleteOne removes the first document matching filter.
func (c *Collection) DeleteOne(ctx context.Context, filter map[string]any) (DeleteResult, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return DeleteResult{}, err
	}
	n, err := c.deleteRows(ctx, ids, docs)
	return DeleteResult{Deleted: n}, err
}

// DeleteMany removes every document matching filter.
func (c *Collection) DeleteMany(ctx context.Context, filter map[string]any) (DeleteResult, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 0)
	if err != nil {
		return DeleteResult{}, err
	}
	n, err := c.deleteRows(ctx, ids, docs)
	return DeleteResult{Deleted: n}, err
}

// FindOneAndUpdate applies update to the first match and returns the
// pre-update document (matching the common driver default).
func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update map[string]any, opts UpdateOptions) (map[string]any, bool, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		if !opts.Upsert {
			return nil, false, nil
		}
		if _, err := c.upsert(ctx, filter, update); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	before := docs[0]
	// Work on a decoded copy so nested objects and arrays are not shared
	// with before, which is returned unchanged.
	idText, dataJSON, err := encodeDoc(before)
	if err != nil {
		return nil, false, err
	}
	after, err := decodeRow(idText, dataJSON)
	if err != nil {
		return nil, false, err
	}
	if err := applyUpdate(after, update, false); err != nil {
		return nil, false, err
	}
	if err := c.updateRow(ctx, ids[0], before, after); err != nil {
		return nil, false, err
	}
	return before, true, nil
}

// FindOneAndReplace replaces the first match and returns the
// pre-replace document.
func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement map[string]any, opts UpdateOptions) (map[string]any, bool, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		if !opts.Upsert {
			return nil, false, nil
		}
		if _, err := c.ReplaceOne(ctx, filter, replacement, opts); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	before := docs[0]
	newDoc := map[string]any{"_id": before["_id"]}
	for k, v := range replacement {
		if k == "_id" {
			continue
		}
		newDoc[k] = v
	}
	if err := c.updateRow(ctx, ids[0], before, newDoc); err != nil {
		return nil, false, err
	}
	return before, true, nil
}

// FindOneAndDelete removes the first match and returns it.
func (c *Collection) FindOneAndDelete(ctx context.Context, filter map[string]any) (map[string]any, bool, error) {
	ids, docs, err := c.matchingRows(ctx, filter, 1)
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	if _, err := c.deleteRows(ctx, ids, docs); err != nil {
		return nil, false, err
	}
	return docs[0], true, nil
}
