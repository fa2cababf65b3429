// Package collection implements the document CRUD surface over a
// single SQLite table: schema creation/widening, insert/find/update/
// delete/replace, bulk writes, and index management, built on the
// json path translator, predicate compiler, and index manager.
package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docxology/docdb/internal/docdb/changestream"
	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/index"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
	"github.com/docxology/docdb/internal/docdb/oid"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// dbExecer is the subset of *sql.DB that *sql.Conn also satisfies,
// letting Collection's methods run unchanged whether db holds the pool
// or one connection pinned for a savepoint's lifetime (see Bind).
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Collection wraps one table plus the compiler/index manager scoped to
// it. A Collection is safe for concurrent use by multiple goroutines;
// the underlying store serializes writes.
type Collection struct {
	pool  *sql.DB  // the real connection pool, for acquiring a pinned conn
	db    dbExecer // pool by default; a pinned *sql.Conn once Bind'd
	name  string
	tr    *jsonpath.Translator
	Index *index.Manager
	pc    *predicate.Compiler
	hub   *changestream.Hub

	savepointSeq *uint64
}

// Open creates the table if absent, additively widens an existing
// table that predates the _id column, and attaches an index manager.
// The unique _id index is re-asserted on every open, so a table that
// was widened to gain the _id column is covered as well.
func Open(ctx context.Context, db *sql.DB, name string, tr *jsonpath.Translator, tokenizers map[string]index.TokenizerBuilder) (*Collection, error) {
	if !identRe.MatchString(name) {
		return nil, dberrors.MalformedQuery("invalid collection name " + name)
	}
	if err := ensureSchema(ctx, db, name); err != nil {
		return nil, err
	}
	idx, err := index.New(db, tr, name, tokenizers)
	if err != nil {
		return nil, err
	}
	return &Collection{
		pool:         db,
		db:           db,
		name:         name,
		tr:           tr,
		Index:        idx,
		pc:           predicate.New(tr, idx),
		savepointSeq: new(uint64),
	}, nil
}

// Bind returns a shallow copy of the Collection whose every statement
// runs against conn instead of the pool, so a caller that has acquired
// one connection for a SAVEPOINT's lifetime (InsertMany, UpdateMany,
// BulkWrite) can route every nested op through that same connection.
// The copy shares the savepointSeq counter so nested savepoint names
// stay unique across bound and unbound uses of the same Collection.
func (c *Collection) Bind(conn *sql.Conn) *Collection {
	bound := *c
	bound.db = conn
	return &bound
}

// Conn acquires a connection from the pool for a caller that needs to
// pin a SAVEPOINT sequence to it. If c is already Bind'd to a
// connection, that same connection is returned with a no-op release,
// so nested callers (e.g. BulkWrite calling UpdateMany) share one
// connection instead of each acquiring their own.
func (c *Collection) Conn(ctx context.Context) (conn *sql.Conn, release func(), err error) {
	if bound, ok := c.db.(*sql.Conn); ok {
		return bound, func() {}, nil
	}
	conn, err = c.pool.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { conn.Close() }, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, name string) error {
	quoted := quoteIdent(name)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`, quoted)); err != nil {
		return dberrors.StoreError(err)
	}

	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return dberrors.StoreError(err)
	}
	hasID := false
	for rows.Next() {
		var cid int
		var colName, colType string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &colName, &colType, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return dberrors.StoreError(err)
		}
		if colName == "_id" {
			hasID = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return dberrors.StoreError(err)
	}
	rows.Close()
	if !hasID {
		// Widen a pre-existing table that predates the _id column.
		// Schema changes are additive only; nothing is dropped or
		// renamed.
		if _, err := db.ExecContext(ctx, "ALTER TABLE "+quoted+" ADD COLUMN _id TEXT"); err != nil {
			return dberrors.StoreError(err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(_id)", quoteIdent(name+"__id_uq"), quoted)); err != nil {
		return dberrors.StoreError(err)
	}
	return nil
}

// Name returns the collection's backing table name.
func (c *Collection) Name() string { return c.name }

// Translator returns the JSON path translator this collection was
// opened with, so a caller building its own plan (the aggregation
// pipeline) can reuse it instead of constructing a second one.
func (c *Collection) Translator() *jsonpath.Translator { return c.tr }

// Predicate returns the predicate compiler scoped to this collection.
func (c *Collection) Predicate() *predicate.Compiler { return c.pc }

// DB returns the underlying connection pool, for callers (the
// aggregation executor) that must run SQL directly against it and pin
// their own connection for a savepoint's lifetime.
func (c *Collection) DB() *sql.DB { return c.pool }

// SetHub attaches the change-stream hub mutating operations publish
// to. A Collection opened without one (e.g. in isolation in tests)
// simply never publishes.
func (c *Collection) SetHub(hub *changestream.Hub) { c.hub = hub }

// Watch subscribes to this collection's change events. It is a no-op
// stream (immediately-closed channel) when no hub is attached.
func (c *Collection) Watch(ctx context.Context) *changestream.Stream {
	if c.hub == nil {
		ch := make(chan changestream.Event)
		close(ch)
		return &changestream.Stream{C: ch, Cancel: func() {}}
	}
	return c.hub.Subscribe(ctx, c.name)
}

func (c *Collection) publish(ev changestream.Event) {
	if c.hub == nil {
		return
	}
	ev.Collection = c.name
	ev.TS = time.Now().UTC()
	c.hub.Publish(ev)
}

// nextSavepoint returns a name unique within this Collection's
// lifetime, used to nest per-operation savepoints for bulk writes.
func (c *Collection) nextSavepoint(prefix string) string {
	n := atomic.AddUint64(c.savepointSeq, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// encodeDoc marshals doc (minus _id, which is stored in its own
// column) to the data column's JSON text, and returns the _id to
// store, assigning a fresh opaque id when doc has none.
func encodeDoc(doc map[string]any) (idVal string, dataJSON string, err error) {
	clone := make(map[string]any, len(doc))
	for k, v := range doc {
		clone[k] = v
	}
	raw, ok := clone["_id"]
	if !ok || raw == nil {
		raw = oid.New().Hex()
		clone["_id"] = raw
	}
	delete(clone, "_id")

	idJSON, err := json.Marshal(raw)
	if err != nil {
		return "", "", dberrors.TypeErrorf("_id value is not JSON-encodable")
	}
	// Stored _id column is TEXT; a string value is stored verbatim
	// (unquoted) so it round-trips through oid.Hex comparisons and the
	// unique constraint without JSON-quote noise, while any other JSON
	// scalar keeps its canonical JSON encoding.
	var idText string
	if s, ok := raw.(string); ok {
		idText = s
	} else {
		idText = string(idJSON)
	}

	dataRaw, err := json.Marshal(clone)
	if err != nil {
		return "", "", dberrors.TypeErrorf("document is not JSON-encodable")
	}
	return idText, string(dataRaw), nil
}

// decodeRow reconstructs the logical document from a stored row,
// injecting _id back into the data object: the logical entity is the
// JSON object in data with an injected _id field.
func decodeRow(idText, dataJSON string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &doc); err != nil {
		return nil, dberrors.StoreError(err)
	}
	var idVal any
	if err := json.Unmarshal([]byte(quoteIfBare(idText)), &idVal); err != nil {
		idVal = idText
	}
	doc["_id"] = idVal
	return doc, nil
}

// quoteIfBare wraps idText in JSON string quotes if it isn't already
// valid JSON on its own (the common case: an oid hex string or a
// caller-supplied string _id stored bare per encodeDoc).
func quoteIfBare(idText string) string {
	var tmp any
	if json.Unmarshal([]byte(idText), &tmp) == nil {
		return idText
	}
	b, _ := json.Marshal(idText)
	return string(b)
}
