// Package engine is the top-level registry: it owns the *sql.DB handle,
// opens collections by name (widening schema on first open), and wraps
// the collection CRUD/aggregate surface with logging, metrics, audit
// and change-stream plumbing.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/docxology/docdb/internal/docdb/agg"
	"github.com/docxology/docdb/internal/docdb/audit"
	"github.com/docxology/docdb/internal/docdb/changestream"
	"github.com/docxology/docdb/internal/docdb/collection"
	"github.com/docxology/docdb/internal/docdb/config"
	"github.com/docxology/docdb/internal/docdb/index"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
	"github.com/docxology/docdb/internal/docdb/metrics"
)

// Options configures a Database at Open time.
type Options struct {
	// DataSource is the modernc.org/sqlite DSN, e.g. "file:app.db" or
	// ":memory:". Empty defaults to an in-memory database.
	DataSource string
	Tokenizers map[string]index.TokenizerBuilder
	Policy     agg.PlannerPolicy
	// Audit, when true, mirrors every mutating operation into the
	// reserved _docdb_audit collection.
	Audit  bool
	Logger *logrus.Logger
}

// FromConfig merges a loaded config.Config's tokenizer registrations
// and planner policy into Options, without touching fields the config
// doesn't mention.
func (o Options) FromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return o, nil
	}
	policy, err := cfg.Planner.Policy()
	if err != nil {
		return o, err
	}
	o.Policy = policy
	if len(cfg.Tokenizers) > 0 {
		if o.Tokenizers == nil {
			o.Tokenizers = map[string]index.TokenizerBuilder{}
		}
		for name, spec := range cfg.Tokenizers {
			spec := spec
			o.Tokenizers[name] = func() string { return spec }
		}
	}
	return o, nil
}

// Database is the shared handle embedders open once per SQLite file (or
// in-memory instance) and use to reach any number of named collections.
type Database struct {
	db   *sql.DB
	opts Options
	hub  *changestream.Hub
	log  *logrus.Entry
	seq  uint64

	mu          sync.RWMutex
	collections map[string]*collection.Collection
	audit       *collection.Collection
}

// Open opens (creating if absent) the SQLite-backed store and prepares
// the engine's ambient state (change-stream hub, optional audit
// collection). Individual collections are opened lazily on first
// access via Collection.
func Open(ctx context.Context, opts Options) (*Database, error) {
	dsn := opts.DataSource
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docdb: open %q: %w", dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("docdb: ping %q: %w", dsn, err)
	}
	if opts.Policy.BusyTimeout > 0 {
		ms := opts.Policy.BusyTimeout.Milliseconds()
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms)); err != nil {
			db.Close()
			return nil, fmt.Errorf("docdb: set busy_timeout: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	d := &Database{
		db:          db,
		opts:        opts,
		hub:         changestream.NewHub(),
		log:         logger.WithField("component", "docdb"),
		collections: map[string]*collection.Collection{},
	}
	if opts.Audit {
		ac, err := d.openLocked(ctx, audit.CollectionName)
		if err != nil {
			db.Close()
			return nil, err
		}
		d.audit = ac
	}
	return d, nil
}

// Close releases the underlying *sql.DB.
func (d *Database) Close() error { return d.db.Close() }

// Collection returns the named collection, opening (and, on first use
// of this name, creating) its backing table if it hasn't been opened
// yet in this process.
func (d *Database) Collection(ctx context.Context, name string) (*collection.Collection, error) {
	d.mu.RLock()
	c, ok := d.collections[name]
	d.mu.RUnlock()
	if ok {
		return c, nil
	}
	return d.openLocked(ctx, name)
}

func (d *Database) openLocked(ctx context.Context, name string) (*collection.Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok {
		return c, nil
	}
	c, err := collection.Open(ctx, d.db, name, jsonpath.New(jsonpath.Text), d.opts.Tokenizers)
	if err != nil {
		return nil, err
	}
	c.SetHub(d.hub)
	d.collections[name] = c
	return c, nil
}

func (d *Database) logOp(collName, op string, start time.Time, rows int, err error) {
	dur := time.Since(start)
	metrics.IncOp(collName, op, 0)
	metrics.ObserveDuration(collName, op, dur)
	entry := d.log.WithFields(logrus.Fields{
		"collection":  collName,
		"op":          op,
		"duration_ms": dur.Milliseconds(),
		"rows":        rows,
	})
	if err != nil {
		entry.WithError(err).Warn("docdb op failed")
		return
	}
	entry.Info("docdb op")
}

func (d *Database) recordAudit(ctx context.Context, eventID, op, collName string, docID any, diff map[string]any) {
	if d.audit == nil {
		return
	}
	_ = audit.Append(ctx, d.audit, eventID, "", op, collName, docID, diff)
}

// nextPipelineID returns a value unique within this Database's
// lifetime, used to seed the aggregation planner's deterministic
// temp-table naming so concurrent aggregate calls never collide.
func (d *Database) nextPipelineID(collName string) string {
	return fmt.Sprintf("%s-%d", collName, atomic.AddUint64(&d.seq, 1))
}
