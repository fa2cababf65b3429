// Package index owns the mapping from logical index descriptors to the
// physical SQL objects that realize them: expression indexes over
// json_extract(data, path) for ordinary lookups, and FTS5 virtual
// tables with synchronization triggers for $text search.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

// TokenizerBuilder returns the fts5 "tokenize" clause argument for a
// named tokenizer (e.g. "porter unicode61" or "unicode61 remove_diacritics 2").
// The Manager is constructed with a map of these so an embedder can
// register tokenizers beyond the built-in unicode61 default.
type TokenizerBuilder func() string

// Descriptor describes one index: a name, the ordered field paths it
// covers, whether it enforces uniqueness, an optional partial-index
// filter expression, and whether it is an FTS index (in which case
// Tokenizer names a registered builder).
type Descriptor struct {
	Name      string
	Keys      []string
	Unique    bool
	Partial   string
	FTS       bool
	Tokenizer string
}

// Manager manages the indexes and FTS tables attached to a single
// collection's base table.
type Manager struct {
	db    *sql.DB
	tr    *jsonpath.Translator
	table string
	toks  map[string]TokenizerBuilder

	mu   sync.Mutex
	byNm map[string]Descriptor
}

// metaTable holds every descriptor ever created, across every
// collection, so index definitions survive a process restart: indexes
// outlive collection handles.
const metaTable = "_docdb_indexes"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New constructs a Manager for table, loading any descriptors persisted
// from a previous open. It calls EnsureMeta first, so metaTable is
// created if missing.
func New(db *sql.DB, tr *jsonpath.Translator, table string, tokenizers map[string]TokenizerBuilder) (*Manager, error) {
	if !identRe.MatchString(table) {
		return nil, dberrors.IndexErrorf("invalid table name " + table)
	}
	m := &Manager{db: db, tr: tr, table: table, toks: tokenizers, byNm: map[string]Descriptor{}}
	if err := EnsureMeta(db); err != nil {
		return nil, err
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureMeta creates the shared index-descriptor catalog table.
func EnsureMeta(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
		table_name TEXT NOT NULL,
		name       TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		PRIMARY KEY(table_name, name)
	)`)
	if err != nil {
		return dberrors.StoreError(err)
	}
	return nil
}

func (m *Manager) reload() error {
	rows, err := m.db.Query(`SELECT descriptor FROM `+metaTable+` WHERE table_name = ?`, m.table)
	if err != nil {
		return dberrors.StoreError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return dberrors.StoreError(err)
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return dberrors.StoreError(err)
		}
		m.byNm[d.Name] = d
	}
	return rows.Err()
}

// Create installs a physical index or FTS table for d. Create is
// idempotent: calling it again with the identical descriptor re-asserts
// the triggers (FTS) or is a no-op (plain index); calling it with the
// same name but a different descriptor is rejected with DuplicateKey.
func (m *Manager) Create(ctx context.Context, d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Name == "" || len(d.Keys) == 0 {
		return dberrors.MalformedQuery("index descriptor requires a name and at least one key")
	}
	if existing, ok := m.byNm[d.Name]; ok {
		if descriptorsEqual(existing, d) {
			if d.FTS {
				return m.createFTS(ctx, d)
			}
			return nil
		}
		return dberrors.DuplicateKey(d.Name, "index already exists with a different definition")
	}

	var err error
	if d.FTS {
		err = m.createFTS(ctx, d)
	} else {
		err = m.createPlain(ctx, d)
	}
	if err != nil {
		return err
	}

	raw, mErr := json.Marshal(d)
	if mErr != nil {
		return dberrors.StoreError(mErr)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT INTO `+metaTable+`(table_name, name, descriptor) VALUES (?, ?, ?)`, m.table, d.Name, string(raw)); err != nil {
		return dberrors.StoreError(err)
	}
	m.byNm[d.Name] = d
	return nil
}

func descriptorsEqual(a, b Descriptor) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func (m *Manager) createPlain(ctx context.Context, d Descriptor) error {
	exprs := make([]string, 0, len(d.Keys))
	for _, k := range d.Keys {
		ext, err := m.tr.Extract("data", k)
		if err != nil {
			return err
		}
		exprs = append(exprs, ext.SQL)
	}
	kw := "INDEX"
	if d.Unique {
		kw = "UNIQUE INDEX"
	}
	sqlStr := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s(%s)", kw, quoteIdent(d.Name), quoteIdent(m.table), strings.Join(exprs, ", "))
	if d.Partial != "" {
		sqlStr += " WHERE " + d.Partial
	}
	if _, err := m.db.ExecContext(ctx, sqlStr); err != nil {
		return dberrors.IndexErrorf("create index " + d.Name + ": " + err.Error())
	}
	return nil
}

// createFTS builds the external-content FTS5 table plus the three
// synchronization triggers, using the content='<base>',
// content_rowid='id' external-content pattern.
func (m *Manager) createFTS(ctx context.Context, d Descriptor) error {
	tokenize := "unicode61"
	if d.Tokenizer != "" {
		builder, ok := m.toks[d.Tokenizer]
		if !ok {
			return dberrors.IndexErrorf("unknown tokenizer " + d.Tokenizer)
		}
		tokenize = builder()
	}

	cols := make([]string, len(d.Keys))
	for i, k := range d.Keys {
		cols[i] = ftsColumnName(k)
	}

	ftsName := quoteIdent(d.Name)
	createSQL := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content=%s, content_rowid='id', tokenize=%s)",
		ftsName, strings.Join(cols, ", "), sqlQuote(m.table), sqlQuote(tokenize),
	)
	if _, err := m.db.ExecContext(ctx, createSQL); err != nil {
		return dberrors.IndexErrorf("create fts table " + d.Name + ": " + err.Error())
	}

	extracted, err := triggerExtractions(m.tr, d.Keys, "new")
	if err != nil {
		return err
	}
	extractedOld, err := triggerExtractions(m.tr, d.Keys, "old")
	if err != nil {
		return err
	}

	colList := strings.Join(cols, ", ")
	newVals := strings.Join(extracted, ", ")
	oldVals := strings.Join(extractedOld, ", ")

	triggers := []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN
			INSERT INTO %s(rowid, %s) VALUES (new.id, %s);
		END`, quoteIdent(d.Name+"_ai"), quoteIdent(m.table), ftsName, colList, newVals),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN
			INSERT INTO %s(%s, rowid, %s) VALUES('delete', old.id, %s);
		END`, quoteIdent(d.Name+"_ad"), quoteIdent(m.table), ftsName, quoteIdent(d.Name), colList, oldVals),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s BEGIN
			INSERT INTO %s(%s, rowid, %s) VALUES('delete', old.id, %s);
			INSERT INTO %s(rowid, %s) VALUES (new.id, %s);
		END`, quoteIdent(d.Name+"_au"), quoteIdent(m.table), ftsName, quoteIdent(d.Name), colList, oldVals, ftsName, colList, newVals),
	}
	for _, trg := range triggers {
		if _, err := m.db.ExecContext(ctx, trg); err != nil {
			return dberrors.IndexErrorf("create fts trigger for " + d.Name + ": " + err.Error())
		}
	}
	return nil
}

// triggerExtractions renders each key's extraction expression qualified
// by alias ("new" or "old"). jsonpath.Extract rewrites a leading "_id"
// segment to the bare "_id" column, which isn't a valid reference
// inside a trigger body on its own, so that case is qualified by hand.
func triggerExtractions(tr *jsonpath.Translator, keys []string, alias string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		if jsonpath.IsIDPath(k) {
			ext, err := tr.Extract(alias+"._id", k)
			if err != nil {
				return nil, err
			}
			out[i] = strings.Replace(ext.SQL, "_id", alias+"._id", 1)
			continue
		}
		ext, err := tr.Extract(alias+".data", k)
		if err != nil {
			return nil, err
		}
		out[i] = ext.SQL
	}
	return out, nil
}

// Drop removes the physical index/virtual table and any triggers for
// name, and forgets its descriptor.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byNm[name]
	if !ok {
		return dberrors.IndexErrorf("unknown index " + name)
	}
	if d.FTS {
		stmts := []string{
			"DROP TRIGGER IF EXISTS " + quoteIdent(name+"_ai"),
			"DROP TRIGGER IF EXISTS " + quoteIdent(name+"_ad"),
			"DROP TRIGGER IF EXISTS " + quoteIdent(name+"_au"),
			"DROP TABLE IF EXISTS " + quoteIdent(name),
		}
		for _, s := range stmts {
			if _, err := m.db.ExecContext(ctx, s); err != nil {
				return dberrors.IndexErrorf("drop fts " + name + ": " + err.Error())
			}
		}
	} else {
		if _, err := m.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+quoteIdent(name)); err != nil {
			return dberrors.IndexErrorf("drop index " + name + ": " + err.Error())
		}
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM `+metaTable+` WHERE table_name = ? AND name = ?`, m.table, name); err != nil {
		return dberrors.StoreError(err)
	}
	delete(m.byNm, name)
	return nil
}

// List enumerates descriptors with flags, sorted by name for stable output.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.byNm))
	for _, d := range m.byNm {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MatchText implements predicate.TextIndexLookup: it returns an FTS
// table whose source columns cover fields (fields empty means "match
// any FTS index on this table"), preferring the first covering index
// in name order so results are deterministic.
func (m *Manager) MatchText(fields []string, query string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if query == "" {
		return "", false
	}
	names := make([]string, 0, len(m.byNm))
	for n := range m.byNm {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		d := m.byNm[n]
		if !d.FTS {
			continue
		}
		if len(fields) == 0 || covers(d.Keys, fields) {
			return d.Name, true
		}
	}
	return "", false
}

func covers(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// ftsColumnName turns a dotted field path into a valid fts5 column
// name; fts5 column identifiers can't contain dots, so nesting is
// flattened with an underscore.
func ftsColumnName(path string) string {
	return quoteIdent(strings.ReplaceAll(path, ".", "_"))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// uniqueViolationRe extracts the offending unique index name from
// modernc.org/sqlite's constraint-violation message, which takes the
// form "UNIQUE constraint failed: table.column" or, for our named
// expression indexes, "... constraint failed: index 'name'".
var uniqueViolationRe = regexp.MustCompile(`UNIQUE constraint failed: (.+)`)

// ResolveConstraintError maps a raw store error from an insert/update
// against this table into a DuplicateKey error naming the offending
// index, falling back to a generic StoreError when the message doesn't
// match a known unique-constraint shape.
func (m *Manager) ResolveConstraintError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	match := uniqueViolationRe.FindStringSubmatch(msg)
	if match == nil {
		return dberrors.StoreError(err)
	}
	detail := match[1]
	if strings.Contains(detail, "_id") {
		return dberrors.DuplicateKey("_id", "duplicate _id value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byNm {
		if !d.Unique {
			continue
		}
		if strings.Contains(detail, d.Name) {
			return dberrors.DuplicateKey(d.Name, detail)
		}
	}
	return dberrors.DuplicateKey("unknown", detail)
}
