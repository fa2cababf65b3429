package exec

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/docxology/docdb/internal/docdb/agg"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE widgets (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for i, row := range []string{
		`{"status":"active","qty":3}`,
		`{"status":"active","qty":7}`,
		`{"status":"inactive","qty":1}`,
	} {
		if _, err := db.Exec(`INSERT INTO widgets(_id, data) VALUES (?, ?)`, itoa(i), row); err != nil {
			t.Fatalf("seed row %d: %v", i, err)
		}
	}
	return db
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}

func TestExecuteFusedMatchSortLimit(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p1", []map[string]any{
		{"$match": map[string]any{"status": "active"}},
		{"$sort": map[string]any{"qty": float64(-1)}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got []float64
	for it.Next() {
		got = append(got, it.Doc()["qty"].(float64))
	}
	if len(got) != 2 || got[0] != 7 || got[1] != 3 {
		t.Fatalf("got = %v", got)
	}
}

func TestExecuteGroupCountsByStatus(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p2", []map[string]any{
		{"$group": map[string]any{"_id": "$status", "n": map[string]any{"$sum": float64(1)}}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	counts := map[string]float64{}
	for it.Next() {
		doc := it.Doc()
		counts[doc["_id"].(string)] = doc["n"].(float64)
	}
	if counts["active"] != 2 || counts["inactive"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestExecuteFacetCombinesSubPipelines(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p3", []map[string]any{
		{"$facet": map[string]any{
			"activeCount": []any{
				map[string]any{"$match": map[string]any{"status": "active"}},
				map[string]any{"$count": "n"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !it.Next() {
		t.Fatalf("expected one combined facet row")
	}
	facet, ok := it.Doc()["activeCount"].([]any)
	if !ok || len(facet) != 1 {
		t.Fatalf("activeCount = %v", it.Doc()["activeCount"])
	}
}

func TestExecuteLookupJoinsCorrelatedSubselect(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE orders (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("orders schema: %v", err)
	}
	for i, row := range []string{
		`{"widget":"0","qty":5}`,
		`{"widget":"0","qty":2}`,
		`{"widget":"1","qty":9}`,
	} {
		if _, err := db.Exec(`INSERT INTO orders(_id, data) VALUES (?, ?)`, "o"+itoa(i), row); err != nil {
			t.Fatalf("seed order %d: %v", i, err)
		}
	}

	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p4", []map[string]any{
		{"$match": map[string]any{"status": "active"}},
		{"$lookup": map[string]any{
			"from":         "orders",
			"localField":   "_id",
			"foreignField": "widget",
			"as":           "orders",
		}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, step := range steps {
		if step.Kind == agg.KindStream {
			t.Fatalf("expected no STREAM step for $lookup, got steps %+v", steps)
		}
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	found := map[string]int{}
	for it.Next() {
		doc := it.Doc()
		arr, _ := doc["orders"].([]any)
		found[doc["_id"].(string)] = len(arr)
	}
	if found["0"] != 2 {
		t.Fatalf("expected widget 0 to join 2 orders, got %d (found=%v)", found["0"], found)
	}
	if found["1"] != 1 {
		t.Fatalf("expected widget 1 to join 1 order, got %d (found=%v)", found["1"], found)
	}
	if _, ok := found["2"]; ok {
		t.Fatalf("expected widget 2 (not active) to be absent, found=%v", found)
	}
}

func TestExecuteFusedCountReturnsSingleRow(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p5", []map[string]any{
		{"$match": map[string]any{"status": "active"}},
		{"$count": "n"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != 1 || steps[0].Kind != agg.KindSQL {
		t.Fatalf("expected one fused SQL step, got %+v", steps)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !it.Next() {
		t.Fatalf("expected a count row")
	}
	doc := it.Doc()
	if doc["n"] != float64(2) {
		t.Fatalf("doc = %v", doc)
	}
	if _, hasID := doc["_id"]; hasID {
		t.Fatalf("count output must not carry an _id, got %v", doc)
	}
	if it.Next() {
		t.Fatalf("expected exactly one row")
	}
}

func TestExecuteUnwindGroupSortLimit(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE posts (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("posts schema: %v", err)
	}
	for i, row := range []string{
		`{"tags":["a","b"]}`,
		`{"tags":["b","c"]}`,
		`{"tags":["a","c"]}`,
	} {
		if _, err := db.Exec(`INSERT INTO posts(_id, data) VALUES (?, ?)`, "p"+itoa(i), row); err != nil {
			t.Fatalf("seed post %d: %v", i, err)
		}
	}

	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "posts", agg.PlannerPolicy{})
	steps, err := planner.Plan("p6", []map[string]any{
		{"$unwind": "$tags"},
		{"$group": map[string]any{"_id": "$tags", "n": map[string]any{"$sum": float64(1)}}},
		{"$sort": map[string]any{"n": float64(-1), "_id": float64(1)}},
		{"$limit": float64(2)},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	type bucket struct {
		id string
		n  float64
	}
	var got []bucket
	for it.Next() {
		doc := it.Doc()
		got = append(got, bucket{id: doc["_id"].(string), n: doc["n"].(float64)})
	}
	// The limit applies after the group: two buckets, ties broken by _id.
	want := []bucket{{"a", 2}, {"b", 2}}
	if len(got) != len(want) {
		t.Fatalf("got = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecuteStreamedUnwindGroupMatchesFusedResult(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE notes (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		_id  TEXT UNIQUE NOT NULL,
		data TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("notes schema: %v", err)
	}
	for i, row := range []string{
		`{"tags":["x","y"]}`,
		`{"tags":["y"]}`,
	} {
		if _, err := db.Exec(`INSERT INTO notes(_id, data) VALUES (?, ?)`, "n"+itoa(i), row); err != nil {
			t.Fatalf("seed note %d: %v", i, err)
		}
	}
	pipeline := []map[string]any{
		{"$unwind": "$tags"},
		{"$group": map[string]any{"_id": "$tags", "n": map[string]any{"$sum": float64(1)}}},
	}
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)

	run := func(policy agg.PlannerPolicy, pid string) map[string]float64 {
		t.Helper()
		planner := agg.NewPlanner(tr, pc, nil, "notes", policy)
		steps, err := planner.Plan(pid, pipeline)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		it, err := Execute(context.Background(), db, tr, steps)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		out := map[string]float64{}
		for it.Next() {
			doc := it.Doc()
			out[doc["_id"].(string)] = doc["n"].(float64)
		}
		return out
	}

	fused := run(agg.PlannerPolicy{}, "p7a")
	streamed := run(agg.PlannerPolicy{ForceStream: true}, "p7b")
	if len(fused) != len(streamed) {
		t.Fatalf("fused = %v, streamed = %v", fused, streamed)
	}
	for k, v := range fused {
		if streamed[k] != v {
			t.Fatalf("fused[%s] = %v, streamed[%s] = %v", k, v, k, streamed[k])
		}
	}
	if fused["y"] != 2 || fused["x"] != 1 {
		t.Fatalf("fused = %v", fused)
	}
}

func TestExecuteProjectFieldReference(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	pc := predicate.New(tr, nil)
	planner := agg.NewPlanner(tr, pc, nil, "widgets", agg.PlannerPolicy{})
	steps, err := planner.Plan("p8", []map[string]any{
		{"$match": map[string]any{"qty": float64(7)}},
		{"$project": map[string]any{"_id": float64(0), "amount": "$qty"}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	it, err := Execute(context.Background(), db, tr, steps)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !it.Next() {
		t.Fatalf("expected a row")
	}
	doc := it.Doc()
	if doc["amount"] != float64(7) {
		t.Fatalf("doc = %v", doc)
	}
	if _, hasID := doc["_id"]; hasID {
		t.Fatalf("expected _id to be projected away, got %v", doc)
	}
}

func TestExecuteRollsBackTempTablesOnError(t *testing.T) {
	db := openTestDB(t)
	tr := jsonpath.New(jsonpath.Text)
	steps := []agg.Step{
		{Kind: agg.KindTemp, TempName: "tmp_rollback_1", Facets: map[string][]agg.Step{"none": nil}},
		{Kind: agg.KindStream, Stage: agg.StageUnknown{Key: "$bogus"}},
	}
	if _, err := Execute(context.Background(), db, tr, steps); err == nil {
		t.Fatalf("expected an error from an unrecognized stage")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_temp_master WHERE type='table' AND name LIKE 'tmp_%'`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no leaked temp tables, found %d", n)
	}
}
