package engine

import (
	"context"
	"time"

	"github.com/docxology/docdb/internal/docdb/agg"
	"github.com/docxology/docdb/internal/docdb/audit"
	"github.com/docxology/docdb/internal/docdb/changestream"
	"github.com/docxology/docdb/internal/docdb/collection"
	"github.com/docxology/docdb/internal/docdb/exec"
)

// InsertOne inserts doc into collName, logging/metering/auditing the
// operation around the ordinary collection primitive.
func (d *Database) InsertOne(ctx context.Context, collName string, doc map[string]any) (string, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return "", err
	}
	id, err := c.InsertOne(ctx, doc)
	d.logOp(collName, "insert_one", start, boolToRows(err == nil), err)
	if err == nil {
		d.recordAudit(ctx, audit.NewEventID(), "insert_one", collName, id, nil)
	}
	return id, err
}

// InsertMany inserts docs inside one savepoint, all-or-nothing.
func (d *Database) InsertMany(ctx context.Context, collName string, docs []map[string]any) ([]string, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, err
	}
	ids, err := c.InsertMany(ctx, docs)
	d.logOp(collName, "insert_many", start, len(ids), err)
	if err == nil {
		d.recordAudit(ctx, audit.NewEventID(), "insert_many", collName, ids, nil)
	}
	return ids, err
}

// Find returns a cursor over matching documents.
func (d *Database) Find(ctx context.Context, collName string, filter map[string]any, opts collection.FindOptions) (*collection.Cursor, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, err
	}
	cur, err := c.Find(ctx, filter, opts)
	d.logOp(collName, "find", start, 0, err)
	return cur, err
}

// FindOne returns the first document matching filter, if any.
func (d *Database) FindOne(ctx context.Context, collName string, filter map[string]any) (map[string]any, bool, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, false, err
	}
	doc, ok, err := c.FindOne(ctx, filter)
	d.logOp(collName, "find_one", start, boolToRows(ok), err)
	return doc, ok, err
}

// UpdateOne applies update to the first document matching filter.
func (d *Database) UpdateOne(ctx context.Context, collName string, filter, update map[string]any, opts collection.UpdateOptions) (collection.UpdateResult, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return collection.UpdateResult{}, err
	}
	res, err := c.UpdateOne(ctx, filter, update, opts)
	d.logOp(collName, "update_one", start, int(res.Matched), err)
	if err == nil && (res.Modified > 0 || res.DidUpsert) {
		d.recordAudit(ctx, audit.NewEventID(), "update_one", collName, res.UpsertedID, update)
	}
	return res, err
}

// UpdateMany applies update to every document matching filter.
func (d *Database) UpdateMany(ctx context.Context, collName string, filter, update map[string]any, opts collection.UpdateOptions) (collection.UpdateResult, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return collection.UpdateResult{}, err
	}
	res, err := c.UpdateMany(ctx, filter, update, opts)
	d.logOp(collName, "update_many", start, int(res.Matched), err)
	if err == nil && (res.Modified > 0 || res.DidUpsert) {
		d.recordAudit(ctx, audit.NewEventID(), "update_many", collName, res.UpsertedID, update)
	}
	return res, err
}

// ReplaceOne swaps the first document matching filter for replacement.
func (d *Database) ReplaceOne(ctx context.Context, collName string, filter, replacement map[string]any, opts collection.UpdateOptions) (collection.UpdateResult, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return collection.UpdateResult{}, err
	}
	res, err := c.ReplaceOne(ctx, filter, replacement, opts)
	d.logOp(collName, "replace_one", start, int(res.Matched), err)
	if err == nil && (res.Modified > 0 || res.DidUpsert) {
		d.recordAudit(ctx, audit.NewEventID(), "replace_one", collName, res.UpsertedID, replacement)
	}
	return res, err
}

// DeleteOne removes the first document matching filter.
func (d *Database) DeleteOne(ctx context.Context, collName string, filter map[string]any) (collection.DeleteResult, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return collection.DeleteResult{}, err
	}
	res, err := c.DeleteOne(ctx, filter)
	d.logOp(collName, "delete_one", start, int(res.Deleted), err)
	if err == nil && res.Deleted > 0 {
		d.recordAudit(ctx, audit.NewEventID(), "delete_one", collName, nil, nil)
	}
	return res, err
}

// DeleteMany removes every document matching filter.
func (d *Database) DeleteMany(ctx context.Context, collName string, filter map[string]any) (collection.DeleteResult, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return collection.DeleteResult{}, err
	}
	res, err := c.DeleteMany(ctx, filter)
	d.logOp(collName, "delete_many", start, int(res.Deleted), err)
	if err == nil && res.Deleted > 0 {
		d.recordAudit(ctx, audit.NewEventID(), "delete_many", collName, nil, nil)
	}
	return res, err
}

// FindOneAndUpdate applies update to the first match, returning the
// pre-update document.
func (d *Database) FindOneAndUpdate(ctx context.Context, collName string, filter, update map[string]any, opts collection.UpdateOptions) (map[string]any, bool, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, false, err
	}
	doc, ok, err := c.FindOneAndUpdate(ctx, filter, update, opts)
	d.logOp(collName, "find_one_and_update", start, boolToRows(ok), err)
	if err == nil && ok {
		d.recordAudit(ctx, audit.NewEventID(), "find_one_and_update", collName, doc["_id"], update)
	}
	return doc, ok, err
}

// FindOneAndReplace replaces the first match, returning the pre-replace
// document.
func (d *Database) FindOneAndReplace(ctx context.Context, collName string, filter, replacement map[string]any, opts collection.UpdateOptions) (map[string]any, bool, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, false, err
	}
	doc, ok, err := c.FindOneAndReplace(ctx, filter, replacement, opts)
	d.logOp(collName, "find_one_and_replace", start, boolToRows(ok), err)
	if err == nil && ok {
		d.recordAudit(ctx, audit.NewEventID(), "find_one_and_replace", collName, doc["_id"], replacement)
	}
	return doc, ok, err
}

// FindOneAndDelete removes the first match, returning the removed
// document.
func (d *Database) FindOneAndDelete(ctx context.Context, collName string, filter map[string]any) (map[string]any, bool, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, false, err
	}
	doc, ok, err := c.FindOneAndDelete(ctx, filter)
	d.logOp(collName, "find_one_and_delete", start, boolToRows(ok), err)
	if err == nil && ok {
		d.recordAudit(ctx, audit.NewEventID(), "find_one_and_delete", collName, doc["_id"], nil)
	}
	return doc, ok, err
}

// Aggregate plans and executes pipeline against collName.
func (d *Database) Aggregate(ctx context.Context, collName string, pipeline []map[string]any) (*exec.RowIter, error) {
	start := time.Now()
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, err
	}
	planner := agg.NewPlanner(c.Translator(), c.Predicate(), c.Index, c.Name(), d.opts.Policy)
	steps, err := planner.Plan(d.nextPipelineID(collName), pipeline)
	if err != nil {
		d.logOp(collName, "aggregate", start, 0, err)
		return nil, err
	}
	it, err := exec.Execute(ctx, c.DB(), c.Translator(), steps)
	rows := 0
	if it != nil {
		rows = it.Len()
	}
	d.logOp(collName, "aggregate", start, rows, err)
	return it, err
}

// Watch subscribes to collName's change events.
func (d *Database) Watch(ctx context.Context, collName string) (*changestream.Stream, error) {
	c, err := d.Collection(ctx, collName)
	if err != nil {
		return nil, err
	}
	return c.Watch(ctx), nil
}

func boolToRows(ok bool) int {
	if ok {
		return 1
	}
	return 0
}
