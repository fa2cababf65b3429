package collection

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"database/sql"

	"github.com/docxology/docdb/internal/docdb/changestream"
	"github.com/docxology/docdb/internal/docdb/jsonpath"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestCollection(t *testing.T) *Collection {
	t.Helper()
	db := openTestDB(t)
	c, err := Open(context.Background(), db, "widgets", jsonpath.New(jsonpath.Text), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestInsertAssignsIDAndRoundTrips(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	id, err := c.InsertOne(ctx, map[string]any{"name": "widget-1", "qty": float64(3)})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated _id")
	}
	doc, ok, err := c.FindOne(ctx, map[string]any{"_id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if !ok {
		t.Fatalf("expected to find inserted document")
	}
	if doc["name"] != "widget-1" {
		t.Fatalf("doc = %v", doc)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	if _, err := c.InsertOne(ctx, map[string]any{"_id": "dup", "v": float64(1)}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := c.InsertOne(ctx, map[string]any{"_id": "dup", "v": float64(2)})
	if err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestFindFiltersByFieldAndSorts(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	for _, q := range []float64{5, 1, 3} {
		if _, err := c.InsertOne(ctx, map[string]any{"qty": q}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	cur, err := c.Find(ctx, map[string]any{"qty": map[string]any{"$gte": float64(2)}}, FindOptions{Sort: []SortKey{{Field: "qty"}}})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	var got []float64
	for cur.Next() {
		got = append(got, cur.Doc()["qty"].(float64))
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor err: %v", err)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Fatalf("got = %v", got)
	}
}

func TestFindAppliesProjection(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	if _, err := c.InsertOne(ctx, map[string]any{"name": "w1", "qty": float64(3), "internal": true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cur, err := c.Find(ctx, map[string]any{}, FindOptions{
		Projection: map[string]any{"_id": float64(0), "name": float64(1)},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	if !cur.Next() {
		t.Fatalf("expected a document: %v", cur.Err())
	}
	doc := cur.Doc()
	if doc["name"] != "w1" {
		t.Fatalf("doc = %v", doc)
	}
	if _, ok := doc["_id"]; ok {
		t.Fatalf("expected _id projected away, got %v", doc)
	}
	if _, ok := doc["qty"]; ok {
		t.Fatalf("expected qty excluded by the inclusion projection, got %v", doc)
	}
}

func TestFindLimitAppliesAfterPostFilter(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	// $regex is evaluated in process; the row SQL returns first does
	// not match, so a LIMIT pushed into SQL would come back empty.
	for _, name := range []string{"zulu", "alpha"} {
		if _, err := c.InsertOne(ctx, map[string]any{"name": name}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	cur, err := c.Find(ctx, map[string]any{"name": map[string]any{"$regex": "^al"}}, FindOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	if !cur.Next() {
		t.Fatalf("expected the matching document despite the limit: %v", cur.Err())
	}
	if cur.Doc()["name"] != "alpha" {
		t.Fatalf("doc = %v", cur.Doc())
	}
	if cur.Next() {
		t.Fatalf("expected the limit to cap the result at one document")
	}
}

func TestUpdateOneAppliesSetAndInc(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	id, err := c.InsertOne(ctx, map[string]any{"qty": float64(1), "status": "new"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, err := c.UpdateOne(ctx, map[string]any{"_id": id}, map[string]any{
		"$set": map[string]any{"status": "active"},
		"$inc": map[string]any{"qty": float64(4)},
	}, UpdateOptions{})
	if err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if res.Matched != 1 || res.Modified != 1 {
		t.Fatalf("res = %+v", res)
	}
	doc, _, err := c.FindOne(ctx, map[string]any{"_id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if doc["status"] != "active" || doc["qty"] != float64(5) {
		t.Fatalf("doc = %v", doc)
	}
}

func TestUpdateOneRejectsIDMutation(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	id, err := c.InsertOne(ctx, map[string]any{"v": float64(1)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = c.UpdateOne(ctx, map[string]any{"_id": id}, map[string]any{
		"$set": map[string]any{"_id": "other"},
	}, UpdateOptions{})
	if err == nil {
		t.Fatalf("expected _id immutability error")
	}
}

func TestUpsertInsertsWhenNoMatch(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	res, err := c.UpdateOne(ctx, map[string]any{"sku": "abc"}, map[string]any{
		"$set":         map[string]any{"qty": float64(2)},
		"$setOnInsert": map[string]any{"created": true},
	}, UpdateOptions{Upsert: true})
	if err != nil {
		t.Fatalf("UpdateOne upsert: %v", err)
	}
	if !res.DidUpsert || res.UpsertedID == "" {
		t.Fatalf("res = %+v", res)
	}
	doc, ok, err := c.FindOne(ctx, map[string]any{"_id": res.UpsertedID})
	if err != nil || !ok {
		t.Fatalf("FindOne after upsert: %v %v", ok, err)
	}
	if doc["sku"] != "abc" || doc["qty"] != float64(2) || doc["created"] != true {
		t.Fatalf("doc = %v", doc)
	}
}

func TestDeleteManyRemovesMatches(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.InsertOne(ctx, map[string]any{"group": "x"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := c.InsertOne(ctx, map[string]any{"group": "y"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, err := c.DeleteMany(ctx, map[string]any{"group": "x"})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if res.Deleted != 3 {
		t.Fatalf("deleted = %d", res.Deleted)
	}
	cur, err := c.Find(ctx, map[string]any{}, FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("remaining = %d", n)
	}
}

func TestFindOneAndDeleteReturnsRemovedDoc(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	id, err := c.InsertOne(ctx, map[string]any{"v": float64(9)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc, ok, err := c.FindOneAndDelete(ctx, map[string]any{"_id": id})
	if err != nil || !ok {
		t.Fatalf("FindOneAndDelete: %v %v", ok, err)
	}
	if doc["v"] != float64(9) {
		t.Fatalf("doc = %v", doc)
	}
	_, ok, err = c.FindOne(ctx, map[string]any{"_id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if ok {
		t.Fatalf("expected document to be gone")
	}
}

func TestInsertManyIsAllOrNothing(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	_, err := c.InsertMany(ctx, []map[string]any{
		{"_id": "a", "v": float64(1)},
		{"_id": "a", "v": float64(2)},
	})
	if err == nil {
		t.Fatalf("expected duplicate key error to abort the batch")
	}
	cur, err := c.Find(ctx, map[string]any{}, FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	defer cur.Close()
	if cur.Next() {
		t.Fatalf("expected no documents to survive the rolled-back batch")
	}
}

func TestReplaceOnePreservesID(t *testing.T) {
	c := openTestCollection(t)
	ctx := context.Background()
	id, err := c.InsertOne(ctx, map[string]any{"a": float64(1)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	res, err := c.ReplaceOne(ctx, map[string]any{"_id": id}, map[string]any{"b": float64(2)}, UpdateOptions{})
	if err != nil {
		t.Fatalf("ReplaceOne: %v", err)
	}
	if res.Matched != 1 {
		t.Fatalf("res = %+v", res)
	}
	doc, _, err := c.FindOne(ctx, map[string]any{"_id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if _, hasA := doc["a"]; hasA {
		t.Fatalf("expected field a to be replaced away: %v", doc)
	}
	if doc["b"] != float64(2) {
		t.Fatalf("doc = %v", doc)
	}
}

func TestWatchSeesInsertUpdateDelete(t *testing.T) {
	c := openTestCollection(t)
	c.SetHub(changestream.NewHub())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := c.Watch(ctx)
	defer stream.Cancel()

	id, err := c.InsertOne(ctx, map[string]any{"qty": float64(1)})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if _, err := c.UpdateOne(ctx, map[string]any{"_id": id}, map[string]any{"$set": map[string]any{"qty": float64(2)}}, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if _, err := c.DeleteOne(ctx, map[string]any{"_id": id}); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}

	var got []changestream.EventType
	for len(got) < 3 {
		select {
		case ev := <-stream.C:
			got = append(got, ev.Type)
		default:
			t.Fatalf("expected 3 buffered events, got %v", got)
		}
	}
	want := []changestream.EventType{changestream.Insert, changestream.Update, changestream.Delete}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], w)
		}
	}
}
