package transform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/schema"
)

type fakeMaterializer struct {
	values map[Address]json.RawMessage
}

func (m *fakeMaterializer) Materialize(addr Address) (json.RawMessage, error) {
	v, ok := m.values[addr]
	if !ok {
		return nil, errors.New("no value")
	}
	return v, nil
}

type fakeWriter struct {
	writes map[Address]json.RawMessage
	heads  map[Address]int
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{writes: make(map[Address]json.RawMessage), heads: make(map[Address]int)}
}

func (w *fakeWriter) WriteOutput(addr Address, authorID string, value json.RawMessage) (string, error) {
	w.writes[addr] = value
	w.heads[addr]++
	return "head", nil
}

func addr(s, f string) Address { return Address{Schema: s, Field: f} }

func concatExpr(inputs []json.RawMessage) (json.RawMessage, error) {
	var a, b string
	json.Unmarshal(inputs[0], &a)
	json.Unmarshal(inputs[1], &b)
	out, _ := json.Marshal(a + b)
	return out, nil
}

func TestCommit_BuildsGraphAndTopoOrder(t *testing.T) {
	e := NewEngine(nil, nil, nil, "system", nil)

	fields := map[string]schema.FieldDef{
		"full_name": {
			Name: "full_name",
			Transform: &schema.TransformRef{
				ID:     "t1",
				Inputs: []Address{addr("Person", "first"), addr("Person", "last")},
			},
		},
	}
	// first/last are declared elsewhere; register them as known first.
	if err := e.Commit("Person", map[string]schema.FieldDef{"first": {}, "last": {}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Validate("Person", fields); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if err := e.Commit("Person", fields); err != nil {
		t.Fatal(err)
	}

	ts := e.ListTransforms()
	if len(ts) != 1 || ts[0].ID != "t1" {
		t.Fatalf("expected one committed transform, got %+v", ts)
	}
	if pos, ok := e.topoIndex["t1"]; !ok || pos != 0 {
		t.Fatalf("expected t1 at topological position 0, got %d (present=%v)", pos, ok)
	}
}

func TestValidate_RejectsUnknownInputField(t *testing.T) {
	e := NewEngine(nil, nil, nil, "system", nil)
	fields := map[string]schema.FieldDef{
		"derived": {
			Name: "derived",
			Transform: &schema.TransformRef{
				ID:     "t1",
				Inputs: []Address{addr("Other", "missing")},
			},
		},
	}
	err := e.Validate("Sch", fields)
	if !faultkind.Is(err, faultkind.FieldNotFound) {
		t.Fatalf("expected FieldNotFound, got %v", err)
	}
}

func TestValidate_RejectsCycle(t *testing.T) {
	e := NewEngine(nil, nil, nil, "system", nil)

	if err := e.Commit("A", map[string]schema.FieldDef{
		"x": {Name: "x", Transform: &schema.TransformRef{ID: "tx", Inputs: []Address{addr("A", "y")}}},
	}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	cyclic := map[string]schema.FieldDef{
		"y": {Name: "y", Transform: &schema.TransformRef{ID: "ty", Inputs: []Address{addr("A", "x")}}},
	}
	err := e.Validate("A", cyclic)
	if !faultkind.Is(err, faultkind.CycleDetected) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}
}

func TestFieldChanged_TriggersTransformAndPropagates(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(16)

	first, _ := json.Marshal("Ada")
	last, _ := json.Marshal("Lovelace")
	mat := &fakeMaterializer{values: map[Address]json.RawMessage{
		addr("Person", "first"): first,
		addr("Person", "last"):  last,
	}}
	w := newFakeWriter()

	e := NewEngine(mat, w, b, "system", nil)
	if err := e.Commit("Person", map[string]schema.FieldDef{"first": {}, "last": {}}); err != nil {
		t.Fatal(err)
	}
	def := Definition{
		ID:         "full_name",
		SchemaName: "Person",
		Inputs:     []Address{addr("Person", "first"), addr("Person", "last")},
		Output:     addr("Person", "full_name"),
		Expression: concatExpr,
	}
	if err := e.RegisterTransform(def); err != nil {
		t.Fatal(err)
	}

	e.onFieldChanged(addr("Person", "first"))
	e.Drain()

	got, ok := w.writes[addr("Person", "full_name")]
	if !ok {
		t.Fatal("expected full_name to be written")
	}
	var s string
	json.Unmarshal(got, &s)
	if s != "AdaLovelace" {
		t.Fatalf("got %q, want AdaLovelace", s)
	}

	ev, ok := sub.Poll()
	if !ok || ev.Topic != bus.FieldChanged {
		t.Fatalf("expected a FieldChanged event, got %+v ok=%v", ev, ok)
	}
}

func TestProcess_ExpressionFailureEmitsTransformFailedNoWrite(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(16)

	mat := &fakeMaterializer{values: map[Address]json.RawMessage{}}
	w := newFakeWriter()
	e := NewEngine(mat, w, b, "system", nil)

	if err := e.Commit("S", map[string]schema.FieldDef{"in": {}}); err != nil {
		t.Fatal(err)
	}
	failing := Definition{
		ID:         "bad",
		SchemaName: "S",
		Inputs:     []Address{addr("S", "in")},
		Output:     addr("S", "out"),
		Expression: func(inputs []json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}
	if err := e.RegisterTransform(failing); err != nil {
		t.Fatal(err)
	}

	e.process("bad")

	if _, ok := w.writes[addr("S", "out")]; ok {
		t.Fatal("expected no output write on expression failure")
	}

	found := false
	for {
		ev, ok := sub.Poll()
		if !ok {
			break
		}
		if ev.Topic == bus.TransformFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a TransformFailed event")
	}
}

func TestCancel_FlushesPendingQueueForSchema(t *testing.T) {
	e := NewEngine(&fakeMaterializer{values: map[Address]json.RawMessage{}}, newFakeWriter(), nil, "system", nil)
	if err := e.Commit("S", map[string]schema.FieldDef{"in": {}}); err != nil {
		t.Fatal(err)
	}
	def := Definition{ID: "t", SchemaName: "S", Inputs: []Address{addr("S", "in")}, Output: addr("S", "out"), Expression: concatExpr}
	if err := e.RegisterTransform(def); err != nil {
		t.Fatal(err)
	}

	e.Enqueue("t")
	e.Cancel("S")

	e.qmu.Lock()
	n := len(e.queue)
	e.qmu.Unlock()
	if n != 0 {
		t.Fatalf("expected queue flushed, got %d items", n)
	}
}

func TestRemove_DropsSchemaTransformsFromGraph(t *testing.T) {
	e := NewEngine(nil, nil, nil, "system", nil)
	if err := e.Commit("S", map[string]schema.FieldDef{"in": {}}); err != nil {
		t.Fatal(err)
	}
	def := Definition{ID: "t", SchemaName: "S", Inputs: []Address{addr("S", "in")}, Output: addr("S", "out"), Expression: concatExpr}
	if err := e.RegisterTransform(def); err != nil {
		t.Fatal(err)
	}
	e.Remove("S")
	if len(e.ListTransforms()) != 0 {
		t.Fatal("expected no transforms after Remove")
	}
}
