package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/docxology/docdb/internal/docdb/audit"
	"github.com/docxology/docdb/internal/docdb/collection"
	"github.com/docxology/docdb/internal/docdb/dberrors"
)

// WriteOpKind names one bulk_write member operation.
type WriteOpKind string

const (
	OpInsertOne  WriteOpKind = "insert_one"
	OpUpdateOne  WriteOpKind = "update_one"
	OpUpdateMany WriteOpKind = "update_many"
	OpReplaceOne WriteOpKind = "replace_one"
	OpDeleteOne  WriteOpKind = "delete_one"
	OpDeleteMany WriteOpKind = "delete_many"
)

// WriteOp is one member of a bulk_write batch.
type WriteOp struct {
	Kind   WriteOpKind
	Doc    map[string]any // insert_one, replace_one (the replacement)
	Filter map[string]any // update/replace/delete ops
	Update map[string]any // update_one, update_many
	Upsert bool
}

// BulkResult aggregates the per-kind counters across a bulk_write call.
type BulkResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedIDs   []string
	// Errors holds one entry per failed op when ordered is false; a
	// failure with ordered true instead aborts the call and is returned
	// directly as the call's error.
	Errors []error
}

// BulkWrite runs every op against collName inside one outer savepoint.
// With ordered=true, the first failing op aborts the
// whole batch (outer rollback). With ordered=false, a failing op's own
// inner savepoint rolls back but the batch continues, collecting the
// error in BulkResult.Errors. The outer and every inner savepoint, plus
// every op applyWriteOp issues (including the per-op savepoints nested
// inside InsertMany/UpdateMany), run against one connection pinned for
// the whole call — SAVEPOINT state is connection-scoped, and the pool
// gives no guarantee that two ExecContext calls land on the same
// connection.
func (d *Database) BulkWrite(ctx context.Context, collName string, ops []WriteOp, ordered bool) (BulkResult, error) {
	start := time.Now()
	unbound, err := d.Collection(ctx, collName)
	if err != nil {
		return BulkResult{}, err
	}

	conn, release, err := unbound.Conn(ctx)
	if err != nil {
		return BulkResult{}, dberrors.StoreError(err)
	}
	defer release()
	c := unbound.Bind(conn)

	outer := "sp_bulk_write"
	if _, err := conn.ExecContext(ctx, "SAVEPOINT "+outer); err != nil {
		return BulkResult{}, dberrors.StoreError(err)
	}

	var result BulkResult
	for i, op := range ops {
		inner := fmt.Sprintf("sp_bulk_op_%d", i)
		if _, err := conn.ExecContext(ctx, "SAVEPOINT "+inner); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+outer)
			_, _ = conn.ExecContext(ctx, "RELEASE "+outer)
			return BulkResult{}, dberrors.StoreError(err)
		}

		opErr := d.applyWriteOp(ctx, c, collName, op, &result)

		if opErr != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+inner)
			_, _ = conn.ExecContext(ctx, "RELEASE "+inner)
			if ordered {
				_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+outer)
				_, _ = conn.ExecContext(ctx, "RELEASE "+outer)
				d.logOp(collName, "bulk_write", start, i, opErr)
				return result, opErr
			}
			result.Errors = append(result.Errors, opErr)
			continue
		}
		if _, err := conn.ExecContext(ctx, "RELEASE "+inner); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK TO "+outer)
			_, _ = conn.ExecContext(ctx, "RELEASE "+outer)
			return BulkResult{}, dberrors.StoreError(err)
		}
	}

	if _, err := conn.ExecContext(ctx, "RELEASE "+outer); err != nil {
		return BulkResult{}, dberrors.StoreError(err)
	}
	d.logOp(collName, "bulk_write", start, len(ops)-len(result.Errors), nil)
	return result, nil
}

func (d *Database) applyWriteOp(ctx context.Context, c *collection.Collection, collName string, op WriteOp, result *BulkResult) error {
	switch op.Kind {
	case OpInsertOne:
		id, err := c.InsertOne(ctx, op.Doc)
		if err != nil {
			return err
		}
		result.InsertedCount++
		d.recordAudit(ctx, audit.NewEventID(), "insert_one", collName, id, nil)
		return nil

	case OpUpdateOne:
		res, err := c.UpdateOne(ctx, op.Filter, op.Update, collection.UpdateOptions{Upsert: op.Upsert})
		if err != nil {
			return err
		}
		result.MatchedCount += res.Matched
		result.ModifiedCount += res.Modified
		if res.DidUpsert {
			result.UpsertedIDs = append(result.UpsertedIDs, res.UpsertedID)
		}
		if res.Modified > 0 || res.DidUpsert {
			d.recordAudit(ctx, audit.NewEventID(), "update_one", collName, res.UpsertedID, op.Update)
		}
		return nil

	case OpUpdateMany:
		res, err := c.UpdateMany(ctx, op.Filter, op.Update, collection.UpdateOptions{Upsert: op.Upsert})
		if err != nil {
			return err
		}
		result.MatchedCount += res.Matched
		result.ModifiedCount += res.Modified
		if res.DidUpsert {
			result.UpsertedIDs = append(result.UpsertedIDs, res.UpsertedID)
		}
		if res.Modified > 0 || res.DidUpsert {
			d.recordAudit(ctx, audit.NewEventID(), "update_many", collName, res.UpsertedID, op.Update)
		}
		return nil

	case OpReplaceOne:
		res, err := c.ReplaceOne(ctx, op.Filter, op.Doc, collection.UpdateOptions{Upsert: op.Upsert})
		if err != nil {
			return err
		}
		result.MatchedCount += res.Matched
		result.ModifiedCount += res.Modified
		if res.DidUpsert {
			result.UpsertedIDs = append(result.UpsertedIDs, res.UpsertedID)
		}
		if res.Modified > 0 || res.DidUpsert {
			d.recordAudit(ctx, audit.NewEventID(), "replace_one", collName, res.UpsertedID, op.Doc)
		}
		return nil

	case OpDeleteOne:
		res, err := c.DeleteOne(ctx, op.Filter)
		if err != nil {
			return err
		}
		result.DeletedCount += res.Deleted
		if res.Deleted > 0 {
			d.recordAudit(ctx, audit.NewEventID(), "delete_one", collName, nil, nil)
		}
		return nil

	case OpDeleteMany:
		res, err := c.DeleteMany(ctx, op.Filter)
		if err != nil {
			return err
		}
		result.DeletedCount += res.Deleted
		if res.Deleted > 0 {
			d.recordAudit(ctx, audit.NewEventID(), "delete_many", collName, nil, nil)
		}
		return nil

	default:
		return dberrors.MalformedQuery("unknown bulk_write op kind " + string(op.Kind))
	}
}
