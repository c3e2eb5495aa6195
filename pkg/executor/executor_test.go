package executor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/datafold/datafold-core/pkg/atom"
	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/policy"
	"github.com/datafold/datafold-core/pkg/schema"
	"github.com/datafold/datafold-core/pkg/store"
)

type noTrust struct{}

func (noTrust) Distance(string) int { return 0 }

func newTestExecutor(t *testing.T, s *schema.Schema) *Executor {
	t.Helper()
	bs := store.NewMemStore()
	atoms := atom.New(bs, nil)
	reg := schema.NewRegistry(bs, nil)
	if err := reg.Register(s); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	if err := reg.Approve(s.Name); err != nil {
		t.Fatalf("approve schema: %v", err)
	}
	gate := policy.NewGate(noTrust{}, nil)
	return New(bs, atoms, reg, gate, bus.New(), nil)
}

func openPolicy() schema.PermissionConfig {
	return schema.PermissionConfig{
		ReadPolicy:  schema.PermissionPolicy{Kind: schema.NoRequirement},
		WritePolicy: schema.PermissionPolicy{Kind: schema.NoRequirement},
	}
}

func singleSchema(name, field string) *schema.Schema {
	return &schema.Schema{
		Name: name,
		Fields: map[string]schema.FieldDef{
			field: {Name: field, Type: schema.FieldType{Kind: schema.Single}, Permission: openPolicy()},
		},
	}
}

func TestCreateThenQuery_SingleField(t *testing.T) {
	s := singleSchema("Post", "title")
	e := newTestExecutor(t, s)

	_, err := e.Create(MutateRequest{
		Schema:   "Post",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"title": json.RawMessage(`"hello"`)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"title"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if string(res.Records[0].Fields["title"]) != `"hello"` {
		t.Fatalf("unexpected value: %s", res.Records[0].Fields["title"])
	}
}

func TestUpdate_OverwritesHead(t *testing.T) {
	s := singleSchema("Post", "title")
	e := newTestExecutor(t, s)

	if _, err := e.Create(MutateRequest{
		Schema: "Post", AuthorID: "pk_A",
		Values: map[string]json.RawMessage{"title": json.RawMessage(`"v1"`)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Update(MutateRequest{
		Schema: "Post", AuthorID: "pk_A",
		Values: map[string]json.RawMessage{"title": json.RawMessage(`"v2"`)},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"title"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(res.Records[0].Fields["title"]) != `"v2"` {
		t.Fatalf("expected v2, got %s", res.Records[0].Fields["title"])
	}
}

func TestDelete_ExcludesUnlessIncludeDeleted(t *testing.T) {
	s := singleSchema("Post", "title")
	e := newTestExecutor(t, s)

	if _, err := e.Create(MutateRequest{
		Schema: "Post", AuthorID: "pk_A",
		Values: map[string]json.RawMessage{"title": json.RawMessage(`"v1"`)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Delete(MutateRequest{Schema: "Post", AuthorID: "pk_A", Values: map[string]json.RawMessage{"title": nil}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"title"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("expected tombstoned field excluded, got %d records", len(res.Records))
	}

	res, err = e.Query(QueryRequest{Schema: "Post", Fields: []string{"title"}, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("query include deleted: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record with IncludeDeleted, got %d", len(res.Records))
	}
}

func TestRangeSchema_KeyPrefixAndKeyRange(t *testing.T) {
	s := &schema.Schema{
		Name:     "Comment",
		RangeKey: "body",
		Fields: map[string]schema.FieldDef{
			"body": {Name: "body", Type: schema.FieldType{Kind: schema.Range, KeyField: "id"}, Permission: openPolicy()},
		},
	}
	e := newTestExecutor(t, s)

	for _, k := range []string{"post:1:a", "post:1:b", "post:2:a"} {
		_, err := e.Create(MutateRequest{
			Schema:   "Comment",
			AuthorID: "pk_A",
			Filter:   &Filter{Range: &RangeFilter{Kind: RangeKey, Key: k}},
			Values:   map[string]json.RawMessage{"body": json.RawMessage(`"hi"`)},
		})
		if err != nil {
			t.Fatalf("create %s: %v", k, err)
		}
	}

	res, err := e.Query(QueryRequest{
		Schema: "Comment",
		Fields: []string{"body"},
		Filter: &Filter{Range: &RangeFilter{Kind: RangeKeyPrefix, Prefix: "post:1:"}},
	})
	if err != nil {
		t.Fatalf("query prefix: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records under post:1:, got %d", len(res.Records))
	}

	res, err = e.Query(QueryRequest{
		Schema: "Comment",
		Fields: []string{"body"},
		Filter: &Filter{Range: &RangeFilter{Kind: RangeKeyRange, Start: "post:1:a", End: "post:2:a"}},
	})
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected half-open range to include post:1:a and post:1:b, got %d", len(res.Records))
	}
}

func rangeField(name string) schema.FieldDef {
	return schema.FieldDef{
		Name:       name,
		Type:       schema.FieldType{Kind: schema.Range, KeyField: "timestamp"},
		Permission: openPolicy(),
	}
}

func postSchema() *schema.Schema {
	return &schema.Schema{
		Name:     "Post",
		RangeKey: "timestamp",
		Fields: map[string]schema.FieldDef{
			"timestamp": rangeField("timestamp"),
			"id":        rangeField("id"),
			"content":   rangeField("content"),
		},
	}
}

func TestRangeQuery_KeyRangeReturnsWindowInOrder(t *testing.T) {
	e := newTestExecutor(t, postSchema())

	posts := []struct{ key, id, content string }{
		{"2024-01-01", "p1", "new year"},
		{"2024-01-15", "p2", "mid january"},
		{"2024-01-30", "p3", "end of month"},
	}
	for _, p := range posts {
		_, err := e.Create(MutateRequest{
			Schema:   "Post",
			AuthorID: "pk_A",
			Filter:   &Filter{Range: &RangeFilter{Kind: RangeKey, Key: p.key}},
			Values: map[string]json.RawMessage{
				"timestamp": json.RawMessage(`"` + p.key + `"`),
				"id":        json.RawMessage(`"` + p.id + `"`),
				"content":   json.RawMessage(`"` + p.content + `"`),
			},
		})
		if err != nil {
			t.Fatalf("create %s: %v", p.key, err)
		}
	}

	res, err := e.Query(QueryRequest{
		Schema: "Post",
		Fields: []string{"id", "content"},
		Filter: &Filter{Range: &RangeFilter{Kind: RangeKeyRange, Start: "2024-01-10", End: "2024-01-31"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected exactly 2 posts in [2024-01-10, 2024-01-31), got %d", len(res.Records))
	}
	if res.Records[0].Key != "2024-01-15" || res.Records[1].Key != "2024-01-30" {
		t.Fatalf("expected ascending key order 2024-01-15, 2024-01-30; got %s, %s",
			res.Records[0].Key, res.Records[1].Key)
	}
	if string(res.Records[0].Fields["id"]) != `"p2"` || string(res.Records[1].Fields["id"]) != `"p3"` {
		t.Fatalf("unexpected ids: %s, %s", res.Records[0].Fields["id"], res.Records[1].Fields["id"])
	}
}

func TestRangeQuery_Boundaries(t *testing.T) {
	e := newTestExecutor(t, postSchema())
	for _, k := range []string{"a", "b", "c"} {
		if _, err := e.Create(MutateRequest{
			Schema:   "Post",
			AuthorID: "pk_A",
			Filter:   &Filter{Range: &RangeFilter{Kind: RangeKey, Key: k}},
			Values:   map[string]json.RawMessage{"timestamp": json.RawMessage(`"` + k + `"`)},
		}); err != nil {
			t.Fatalf("create %s: %v", k, err)
		}
	}

	// An empty half-open interval matches nothing.
	res, err := e.Query(QueryRequest{
		Schema: "Post",
		Fields: []string{"timestamp"},
		Filter: &Filter{Range: &RangeFilter{Kind: RangeKeyRange, Start: "b", End: "b"}},
	})
	if err != nil {
		t.Fatalf("query empty range: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("KeyRange{b, b} should be empty, got %d records", len(res.Records))
	}

	// The empty prefix matches every key, in ascending order.
	res, err = e.Query(QueryRequest{
		Schema: "Post",
		Fields: []string{"timestamp"},
		Filter: &Filter{Range: &RangeFilter{Kind: RangeKeyPrefix, Prefix: ""}},
	})
	if err != nil {
		t.Fatalf("query empty prefix: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf(`KeyPrefix("") should return all keys, got %d`, len(res.Records))
	}
	for i, want := range []string{"a", "b", "c"} {
		if res.Records[i].Key != want {
			t.Fatalf("position %d: got key %s, want %s", i, res.Records[i].Key, want)
		}
	}
}

// faultingStore fails the first failWrites batch commits, then behaves like
// the in-memory store.
type faultingStore struct {
	*store.MemStore
	failWrites int
}

func (f *faultingStore) NewBatch() store.Batch {
	if f.failWrites > 0 {
		f.failWrites--
		return failBatch{}
	}
	return f.MemStore.NewBatch()
}

type failBatch struct{}

func (failBatch) Set(key, value []byte) {}
func (failBatch) Delete(key []byte)     {}
func (failBatch) Write() error          { return errors.New("disk full") }
func (failBatch) Close() error          { return nil }

func triSchema() *schema.Schema {
	return &schema.Schema{
		Name: "Tri",
		Fields: map[string]schema.FieldDef{
			"a": {Name: "a", Type: schema.FieldType{Kind: schema.Single}, Permission: openPolicy()},
			"b": {Name: "b", Type: schema.FieldType{Kind: schema.Single}, Permission: openPolicy()},
			"c": {Name: "c", Type: schema.FieldType{Kind: schema.Single}, Permission: openPolicy()},
		},
	}
}

func TestMutate_BatchFaultRollsBackAndPublishesNothing(t *testing.T) {
	bs := &faultingStore{MemStore: store.NewMemStore(), failWrites: 2} // first attempt and its retry
	atoms := atom.New(bs, nil)
	reg := schema.NewRegistry(bs, nil)
	s := triSchema()
	if err := reg.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Approve("Tri"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	b := bus.New()
	sub := b.Subscribe(8)
	e := New(bs, atoms, reg, policy.NewGate(noTrust{}, nil), b, nil)

	_, err := e.Create(MutateRequest{
		Schema:   "Tri",
		AuthorID: "pk_A",
		Values: map[string]json.RawMessage{
			"a": json.RawMessage(`1`),
			"b": json.RawMessage(`2`),
			"c": json.RawMessage(`3`),
		},
	})
	if !faultkind.Is(err, faultkind.StorageFault) {
		t.Fatalf("expected StorageFault, got %v", err)
	}

	// Nothing committed: no field resolves, no ref advanced.
	res, err := e.Query(QueryRequest{Schema: "Tri", Fields: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("query after rollback: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("expected no visible state after rollback, got %d records", len(res.Records))
	}

	if ev, ok := sub.Poll(); ok {
		t.Fatalf("expected no events after a rolled-back mutation, got %+v", ev)
	}
}

func TestMutate_RetriesCommitOnceAfterFault(t *testing.T) {
	bs := &faultingStore{MemStore: store.NewMemStore(), failWrites: 1}
	atoms := atom.New(bs, nil)
	reg := schema.NewRegistry(bs, nil)
	s := singleSchema("Post", "title")
	if err := reg.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Approve("Post"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	b := bus.New()
	sub := b.Subscribe(8)
	e := New(bs, atoms, reg, policy.NewGate(noTrust{}, nil), b, nil)

	if _, err := e.Create(MutateRequest{
		Schema:   "Post",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"title": json.RawMessage(`"hello"`)},
	}); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"title"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 1 || string(res.Records[0].Fields["title"]) != `"hello"` {
		t.Fatalf("unexpected result after retried commit: %+v", res.Records)
	}

	ev, ok := sub.Poll()
	if !ok || ev.Topic != bus.FieldChanged {
		t.Fatalf("expected one FieldChanged after the retried commit, got %+v ok=%v", ev, ok)
	}
}

func collectionSchema(name, field string) *schema.Schema {
	return &schema.Schema{
		Name: name,
		Fields: map[string]schema.FieldDef{
			field: {Name: field, Type: schema.FieldType{Kind: schema.Collection}, Permission: openPolicy()},
		},
	}
}

func TestCollection_CreateAppendsMembers(t *testing.T) {
	e := newTestExecutor(t, collectionSchema("Feed", "entries"))

	for _, v := range []string{`"first"`, `"second"`} {
		if _, err := e.Create(MutateRequest{
			Schema:   "Feed",
			AuthorID: "pk_A",
			Values:   map[string]json.RawMessage{"entries": json.RawMessage(v)},
		}); err != nil {
			t.Fatalf("create %s: %v", v, err)
		}
	}

	res, err := e.Query(QueryRequest{Schema: "Feed", Fields: []string{"entries"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if got := string(res.Records[0].Fields["entries"]); got != `["first","second"]` {
		t.Fatalf("expected members in insertion order, got %s", got)
	}
}

func TestCollection_UpdateRewritesEveryLiveMember(t *testing.T) {
	e := newTestExecutor(t, collectionSchema("Feed", "entries"))

	for _, v := range []string{`"a"`, `"b"`} {
		if _, err := e.Create(MutateRequest{
			Schema:   "Feed",
			AuthorID: "pk_A",
			Values:   map[string]json.RawMessage{"entries": json.RawMessage(v)},
		}); err != nil {
			t.Fatalf("create %s: %v", v, err)
		}
	}

	if _, err := e.Update(MutateRequest{
		Schema:   "Feed",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"entries": json.RawMessage(`"seen"`)},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Feed", Fields: []string{"entries"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := string(res.Records[0].Fields["entries"]); got != `["seen","seen"]` {
		t.Fatalf("expected every member rewritten, got %s", got)
	}
}

func TestCollection_DeleteTombstonesAllMembers(t *testing.T) {
	e := newTestExecutor(t, collectionSchema("Feed", "entries"))

	for _, v := range []string{`"a"`, `"b"`} {
		if _, err := e.Create(MutateRequest{
			Schema:   "Feed",
			AuthorID: "pk_A",
			Values:   map[string]json.RawMessage{"entries": json.RawMessage(v)},
		}); err != nil {
			t.Fatalf("create %s: %v", v, err)
		}
	}

	if _, err := e.Delete(MutateRequest{
		Schema:   "Feed",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"entries": nil},
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Feed", Fields: []string{"entries"}})
	if err != nil {
		t.Fatalf("query after delete: %v", err)
	}
	if got := string(res.Records[0].Fields["entries"]); got != `[]` {
		t.Fatalf("expected no live members after delete, got %s", got)
	}
}

func TestCollection_MutateEmptyCollectionFails(t *testing.T) {
	e := newTestExecutor(t, collectionSchema("Feed", "entries"))

	_, err := e.Delete(MutateRequest{
		Schema:   "Feed",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"entries": nil},
	})
	if !faultkind.Is(err, faultkind.NotFound) {
		t.Fatalf("expected NotFound deleting an empty collection, got %v", err)
	}

	_, err = e.Update(MutateRequest{
		Schema:   "Feed",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"entries": json.RawMessage(`"x"`)},
	})
	if !faultkind.Is(err, faultkind.NotFound) {
		t.Fatalf("expected NotFound updating an empty collection, got %v", err)
	}
}

func TestFieldMapperAlias_ResolvesToCanonicalField(t *testing.T) {
	s := singleSchema("Post", "title")
	fd := s.Fields["title"]
	fd.Mappers = map[string]string{"headline": "legacy-feed"}
	s.Fields["title"] = fd
	e := newTestExecutor(t, s)

	if _, err := e.Create(MutateRequest{
		Schema:   "Post",
		AuthorID: "pk_A",
		Values:   map[string]json.RawMessage{"headline": json.RawMessage(`"hello"`)},
	}); err != nil {
		t.Fatalf("create via alias: %v", err)
	}

	res, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"headline"}})
	if err != nil {
		t.Fatalf("query via alias: %v", err)
	}
	if len(res.Records) != 1 || string(res.Records[0].Fields["title"]) != `"hello"` {
		t.Fatalf("expected alias to resolve to title, got %+v", res.Records)
	}
}

func TestQuery_UnknownFieldFails(t *testing.T) {
	s := singleSchema("Post", "title")
	e := newTestExecutor(t, s)

	_, err := e.Query(QueryRequest{Schema: "Post", Fields: []string{"nope"}})
	if !faultkind.Is(err, faultkind.FieldNotFound) {
		t.Fatalf("expected FieldNotFound, got %v", err)
	}
}

func TestMutate_PermissionDenied(t *testing.T) {
	s := &schema.Schema{
		Name: "Secret",
		Fields: map[string]schema.FieldDef{
			"value": {
				Name: "value",
				Type: schema.FieldType{Kind: schema.Single},
				Permission: schema.PermissionConfig{
					ReadPolicy:  schema.PermissionPolicy{Kind: schema.NoRequirement},
					WritePolicy: schema.PermissionPolicy{Kind: schema.Explicit, AllowedKeyIDs: []string{"pk_owner"}},
				},
			},
		},
	}
	e := newTestExecutor(t, s)

	_, err := e.Create(MutateRequest{
		Schema: "Secret", AuthorID: "pk_intruder", CallerID: "pk_intruder",
		Values: map[string]json.RawMessage{"value": json.RawMessage(`1`)},
	})
	if !faultkind.Is(err, faultkind.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}
