package index

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/docxology/docdb/internal/docdb/dberrors"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	schema := `CREATE TABLE widgets (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func TestCreatePlainIndexIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := Descriptor{Name: "idx_sku", Keys: []string{"sku"}, Unique: true}
	if err := m.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(context.Background(), d); err != nil {
		t.Fatalf("second Create (idempotent) failed: %v", err)
	}
	list := m.List()
	if len(list) != 1 || list[0].Name != "idx_sku" {
		t.Fatalf("List = %v", list)
	}
}

func TestCreateConflictingDescriptorRejected(t *testing.T) {
	db := openTestDB(t)
	m, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err := m.Create(context.Background(), Descriptor{Name: "idx_a", Keys: []string{"a"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := m.Create(context.Background(), Descriptor{Name: "idx_a", Keys: []string{"b"}})
	if k, ok := dberrors.Of(err); !ok || k != dberrors.KindDuplicateKey {
		t.Fatalf("expected DuplicateKey, got %v", err)
	}
}

func TestUnknownTokenizerRejected(t *testing.T) {
	db := openTestDB(t)
	m, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", map[string]TokenizerBuilder{})
	err := m.Create(context.Background(), Descriptor{Name: "idx_ft", Keys: []string{"body"}, FTS: true, Tokenizer: "missing"})
	if k, ok := dberrors.Of(err); !ok || k != dberrors.KindIndexError {
		t.Fatalf("expected IndexError, got %v", err)
	}
}

func TestFTSIndexSyncsOnWrite(t *testing.T) {
	db := openTestDB(t)
	m, err := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := Descriptor{Name: "idx_body_fts", Keys: []string{"body"}, FTS: true}
	if err := m.Create(context.Background(), d); err != nil {
		t.Fatalf("Create FTS: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO widgets(_id, data) VALUES ('w1', '{"body":"the quick brown fox"}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	table, ok := m.MatchText([]string{"body"}, "quick")
	if !ok {
		t.Fatalf("expected covering FTS index")
	}
	row := db.QueryRow(`SELECT rowid FROM ` + quoteIdent(table) + ` WHERE ` + quoteIdent(table) + ` MATCH 'quick'`)
	var rowid int64
	if err := row.Scan(&rowid); err != nil {
		t.Fatalf("fts lookup: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM widgets WHERE _id = 'w1'`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	row = db.QueryRow(`SELECT COUNT(*) FROM ` + quoteIdent(table) + ` WHERE ` + quoteIdent(table) + ` MATCH 'quick'`)
	var cnt int
	if err := row.Scan(&cnt); err != nil {
		t.Fatalf("post-delete fts lookup: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected fts row removed after base delete, got %d rows", cnt)
	}
}

func TestMatchTextRequiresCoverage(t *testing.T) {
	db := openTestDB(t)
	m, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err := m.Create(context.Background(), Descriptor{Name: "idx_title_fts", Keys: []string{"title"}, FTS: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := m.MatchText([]string{"body"}, "x"); ok {
		t.Fatalf("expected no match: index doesn't cover 'body'")
	}
	if _, ok := m.MatchText([]string{"title"}, "x"); !ok {
		t.Fatalf("expected match on covered field")
	}
}

func TestDropRemovesDescriptor(t *testing.T) {
	db := openTestDB(t)
	m, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err := m.Create(context.Background(), Descriptor{Name: "idx_a", Keys: []string{"a"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Drop(context.Background(), "idx_a"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected no descriptors after drop")
	}
	err := m.Drop(context.Background(), "idx_a")
	if k, ok := dberrors.Of(err); !ok || k != dberrors.KindIndexError {
		t.Fatalf("expected IndexError dropping unknown index, got %v", err)
	}
}

func TestDescriptorsSurviveReload(t *testing.T) {
	db := openTestDB(t)
	m1, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err := m1.Create(context.Background(), Descriptor{Name: "idx_a", Keys: []string{"a"}, Unique: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m2, err := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list := m2.List()
	if len(list) != 1 || list[0].Name != "idx_a" || !list[0].Unique {
		t.Fatalf("expected reloaded descriptor, got %v", list)
	}
}

func TestResolveConstraintErrorMapsIDCollision(t *testing.T) {
	db := openTestDB(t)
	m, _ := New(db, jsonpath.New(jsonpath.Text), "widgets", nil)
	if _, err := db.Exec(`INSERT INTO widgets(_id, data) VALUES ('dup', '{}')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.Exec(`INSERT INTO widgets(_id, data) VALUES ('dup', '{}')`)
	if err == nil {
		t.Fatalf("expected unique violation")
	}
	wrapped := m.ResolveConstraintError(err)
	if k, ok := dberrors.Of(wrapped); !ok || k != dberrors.KindDuplicateKey {
		t.Fatalf("expected DuplicateKey, got %v", wrapped)
	}
	if !strings.Contains(wrapped.Error(), "_id") {
		t.Fatalf("expected _id in error detail, got %v", wrapped)
	}
}
