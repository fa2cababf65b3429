// Package audit records one row per mutating collection operation into
// a dedicated collection of the engine itself, so audit history is
// queryable with the same find/aggregate surface as any other data.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/docxology/docdb/internal/docdb/collection"
)

// CollectionName is the reserved collection audit rows are written
// into.
const CollectionName = "_docdb_audit"

// NewEventID returns a fresh correlation id shared across every audit
// row produced by a single logical operation (e.g. every member of one
// bulk_write call), so they can be grouped back together later.
func NewEventID() string { return uuid.NewString() }

// Append writes one audit row. It is a no-op when audit is nil, so
// callers can wire audit unconditionally without a feature flag.
func Append(ctx context.Context, audit *collection.Collection, eventID, actor, op, coll string, docID any, diff map[string]any) error {
	if audit == nil {
		return nil
	}
	_, err := audit.InsertOne(ctx, map[string]any{
		"event_id":   eventID,
		"actor":      actor,
		"op":         op,
		"collection": coll,
		"doc_id":     docID,
		"diff":       diff,
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}
