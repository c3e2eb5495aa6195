// Package transform implements the transform engine: reactive
// re-computation of derived fields over a dependency DAG with a
// single-threaded, topologically-ordered work queue.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/schema"
)

// Address re-exports schema.Address: field addresses are the graph's nodes.
type Address = schema.Address

// Expression is a pure function from current input values to an output
// value. Inputs are supplied in the same order as Definition.Inputs.
type Expression func(inputs []json.RawMessage) (json.RawMessage, error)

// Definition is one registered transform.
type Definition struct {
	ID         string
	SchemaName string
	Inputs     []Address
	Output     Address
	Expression Expression
}

// Materializer resolves a field address to its current value, abstracting
// over the Single/Collection/Range distinction the query executor already
// understands.
type Materializer interface {
	Materialize(addr Address) (json.RawMessage, error)
}

// OutputWriter appends the computed output atom and advances its AtomRef in
// a single batch, returning the new head handle.
type OutputWriter interface {
	WriteOutput(addr Address, authorID string, value json.RawMessage) (newHead string, err error)
}

// SchedulerState is the engine's run-loop lifecycle state.
type SchedulerState string

const (
	StateStopped SchedulerState = "stopped"
	StateRunning SchedulerState = "running"
)

// workItem is one queued transform ID with its insertion sequence number.
type workItem struct {
	id  string
	seq uint64
}

// Engine is the Transform Engine: DAG + cooperative scheduler.
type Engine struct {
	mu sync.RWMutex

	defs        map[string]*Definition
	expressions map[string]Expression // transform ID -> executable body, set via RegisterTransform
	inputIndex  map[Address][]string  // input address -> dependent transform IDs
	topoIndex   map[string]int        // transform ID -> position in topological order
	knownField  map[Address]bool      // every field address seen across committed schemas

	materializer Materializer
	writer       OutputWriter
	publisher    *bus.Bus
	authorID     string
	logger       *log.Logger

	qmu    sync.Mutex
	queue  []workItem
	queued map[string]bool
	seq    uint64

	state  SchedulerState
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewEngine(materializer Materializer, writer OutputWriter, publisher *bus.Bus, authorID string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[transform] ", log.LstdFlags)
	}
	return &Engine{
		defs:         make(map[string]*Definition),
		expressions:  make(map[string]Expression),
		inputIndex:   make(map[Address][]string),
		topoIndex:    make(map[string]int),
		knownField:   make(map[Address]bool),
		materializer: materializer,
		writer:       writer,
		publisher:    publisher,
		authorID:     authorID,
		logger:       logger,
		queued:       make(map[string]bool),
		state:        StateStopped,
	}
}

// SetIO wires the materializer and output writer after construction, for
// callers (the Node Coordinator) that must build the engine before its
// executor exists because the executor itself depends on the schema
// registry, which in turn depends on the engine as its TransformValidator.
func (e *Engine) SetIO(materializer Materializer, writer OutputWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.materializer = materializer
	e.writer = writer
}

// Validate implements schema.TransformValidator: checks every declared
// transform references known fields and that adding the candidate edges
// would not close a cycle, without mutating engine state.
func (e *Engine) Validate(schemaName string, fields map[string]schema.FieldDef) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := e.candidateDefs(schemaName, fields)

	// A field may reference a sibling declared in the same registration
	// batch, or any field already known from a prior commit.
	localKnown := make(map[Address]bool, len(fields))
	for name := range fields {
		localKnown[schema.Address{Schema: schemaName, Field: name}] = true
	}

	for _, d := range candidates {
		for _, in := range d.Inputs {
			if !e.knownField[in] && !localKnown[in] {
				return faultkind.New(faultkind.FieldNotFound, in.String())
			}
		}
	}

	adjacency := e.edgeSnapshot()
	for _, d := range candidates {
		for _, in := range d.Inputs {
			adjacency[in] = append(adjacency[in], d.Output)
		}
	}
	if cyc := findCycle(adjacency); cyc != "" {
		return faultkind.New(faultkind.CycleDetected, cyc)
	}
	return nil
}

// Commit implements schema.TransformValidator: registers the schema's
// transforms (assumed already validated) into the dependency graph and
// recomputes the topological order.
func (e *Engine) Commit(schemaName string, fields map[string]schema.FieldDef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range fields {
		e.knownField[schema.Address{Schema: schemaName, Field: name}] = true
	}

	for _, d := range e.candidateDefs(schemaName, fields) {
		def := d
		e.defs[def.ID] = &def
		for _, in := range def.Inputs {
			e.inputIndex[in] = append(e.inputIndex[in], def.ID)
		}
	}
	e.recomputeTopoLocked()
	return nil
}

// Remove drops every transform owned by schemaName from the graph.
func (e *Engine) Remove(schemaName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range e.defs {
		if d.SchemaName != schemaName {
			continue
		}
		for _, in := range d.Inputs {
			e.inputIndex[in] = removeString(e.inputIndex[in], id)
		}
		delete(e.defs, id)
		delete(e.expressions, id)
	}
	e.recomputeTopoLocked()
}

// RegisterTransform registers one transform directly, for callers that are
// not going through the schema registry's field-level declaration. It
// validates before committing.
func (e *Engine) RegisterTransform(d Definition) error {
	fields := map[string]schema.FieldDef{
		d.Output.Field: {
			Name: d.Output.Field,
			Transform: &schema.TransformRef{ID: d.ID, Inputs: d.Inputs},
		},
	}
	if err := e.Validate(d.Output.Schema, fields); err != nil {
		return err
	}
	if err := e.Commit(d.Output.Schema, fields); err != nil {
		return err
	}
	e.mu.Lock()
	e.expressions[d.ID] = d.Expression
	e.mu.Unlock()
	return nil
}

// ListTransforms returns all registered transform definitions.
func (e *Engine) ListTransforms() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, *d)
	}
	return out
}

func (e *Engine) candidateDefs(schemaName string, fields map[string]schema.FieldDef) []Definition {
	var out []Definition
	for name, fd := range fields {
		if fd.Transform == nil {
			continue
		}
		out = append(out, Definition{
			ID:         fd.Transform.ID,
			SchemaName: schemaName,
			Inputs:     fd.Transform.Inputs,
			Output:     schema.Address{Schema: schemaName, Field: name},
		})
	}
	return out
}

func (e *Engine) edgeSnapshot() map[Address][]Address {
	adjacency := make(map[Address][]Address, len(e.inputIndex))
	for in, ids := range e.inputIndex {
		for _, id := range ids {
			d := e.defs[id]
			adjacency[in] = append(adjacency[in], d.Output)
		}
	}
	return adjacency
}

// findCycle runs a DFS over the address adjacency graph and returns a
// description of the first cycle found, or "" if the graph is acyclic.
func findCycle(adjacency map[Address][]Address) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[Address]int)

	var visit func(n Address) string
	visit = func(n Address) string {
		color[n] = gray
		for _, next := range adjacency[n] {
			switch color[next] {
			case gray:
				return fmt.Sprintf("%s -> %s", n, next)
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}

	for n := range adjacency {
		if color[n] == white {
			if c := visit(n); c != "" {
				return c
			}
		}
	}
	return ""
}

// recomputeTopoLocked rebuilds topoIndex via Kahn's algorithm over the
// current transform set (nodes are transform IDs, edges input-transform to
// dependent transform). Caller must hold e.mu.
func (e *Engine) recomputeTopoLocked() {
	indegree := make(map[string]int, len(e.defs))
	depends := make(map[string][]string) // transform ID -> transform IDs that depend on its output
	for id := range e.defs {
		indegree[id] = 0
	}
	for id, d := range e.defs {
		for _, dependerID := range e.inputIndex[d.Output] {
			depends[id] = append(depends[id], dependerID)
			indegree[dependerID]++
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	e.topoIndex = make(map[string]int, len(e.defs))
	pos := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		e.topoIndex[id] = pos
		pos++
		for _, dependerID := range depends[id] {
			indegree[dependerID]--
			if indegree[dependerID] == 0 {
				queue = append(queue, dependerID)
			}
		}
	}
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Start begins the scheduler: it subscribes to FieldChanged on the bus and
// runs a single-threaded loop draining the work queue in topological order.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.state = StateRunning
	e.mu.Unlock()

	var sub *bus.Subscription
	if e.publisher != nil {
		sub = e.publisher.Subscribe(bus.DefaultBacklog)
	}

	go e.run(ctx, sub)
	e.logger.Println("transform engine started")
	return nil
}

// Stop halts the scheduler and waits for the run loop to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	close(e.stopCh)
	e.state = StateStopped
	e.mu.Unlock()

	<-e.doneCh
	e.logger.Println("transform engine stopped")
	return nil
}

func (e *Engine) State() SchedulerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) run(ctx context.Context, sub *bus.Subscription) {
	defer close(e.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		if sub != nil {
			for {
				ev, ok := sub.Poll()
				if !ok {
					break
				}
				if fc, ok := ev.Payload.(bus.FieldChangedPayload); ok && ev.Topic == bus.FieldChanged {
					e.onFieldChanged(Address{Schema: fc.Schema, Field: fc.Field})
				}
			}
		}

		e.drain()

		if sub == nil {
			return
		}
		done := ctx.Done()
		select {
		case <-done:
			return
		case <-e.stopCh:
			return
		default:
			sub.Wait(mergeChans(done, e.stopCh))
		}
	}
}

func mergeChans(a <-chan struct{}, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(out)
	}()
	return out
}

// onFieldChanged enqueues every transform whose declared inputs include the
// changed field, deduplicating against work already pending.
func (e *Engine) onFieldChanged(addr Address) {
	e.mu.RLock()
	ids := append([]string(nil), e.inputIndex[addr]...)
	e.mu.RUnlock()
	if len(ids) == 0 {
		return
	}

	e.qmu.Lock()
	for _, id := range ids {
		if e.queued[id] {
			continue
		}
		e.queued[id] = true
		e.seq++
		e.queue = append(e.queue, workItem{id: id, seq: e.seq})
	}
	e.qmu.Unlock()
}

// Enqueue schedules a transform directly. Run must be driven externally via
// Drain for callers not using the bus-driven scheduler (Start/Stop).
func (e *Engine) Enqueue(transformID string) {
	e.qmu.Lock()
	if !e.queued[transformID] {
		e.queued[transformID] = true
		e.seq++
		e.queue = append(e.queue, workItem{id: transformID, seq: e.seq})
	}
	e.qmu.Unlock()
}

// Drain processes all currently queued work synchronously, for callers
// driving the engine without Start's background loop (e.g. tests).
func (e *Engine) Drain() {
	e.drain()
}

// Cancel flushes all pending queued work belonging to schemaName, without
// running it. An item already being processed is allowed to finish.
func (e *Engine) Cancel(schemaName string) {
	e.mu.RLock()
	owned := make(map[string]bool)
	for id, d := range e.defs {
		if d.SchemaName == schemaName {
			owned[id] = true
		}
	}
	e.mu.RUnlock()

	e.qmu.Lock()
	defer e.qmu.Unlock()
	filtered := e.queue[:0]
	for _, w := range e.queue {
		if owned[w.id] {
			delete(e.queued, w.id)
			continue
		}
		filtered = append(filtered, w)
	}
	e.queue = filtered
}

// drain processes the queue until empty, picking at each step the pending
// transform with the smallest topological position, ties broken by
// insertion sequence. drain does not poll the bus: work cascaded through
// FieldChanged publications is enqueued when the run loop next polls its
// subscription.
func (e *Engine) drain() {
	for {
		id, ok := e.popNext()
		if !ok {
			return
		}
		e.process(id)
	}
}

func (e *Engine) popNext() (string, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}

	e.mu.RLock()
	best := 0
	bestRank := e.rank(e.queue[0])
	for i := 1; i < len(e.queue); i++ {
		r := e.rank(e.queue[i])
		if r[0] < bestRank[0] || (r[0] == bestRank[0] && r[1] < bestRank[1]) {
			best = i
			bestRank = r
		}
	}
	e.mu.RUnlock()

	id := e.queue[best].id
	e.queue = append(e.queue[:best], e.queue[best+1:]...)
	delete(e.queued, id)
	return id, true
}

// rank orders queue items by topological position (caller holds e.mu),
// falling back to insertion sequence for items outside the current order
// (e.g. a transform removed mid-flight).
func (e *Engine) rank(w workItem) [2]uint64 {
	pos, ok := e.topoIndex[w.id]
	if !ok {
		return [2]uint64{^uint64(0), w.seq}
	}
	return [2]uint64{uint64(pos), w.seq}
}

// process computes and writes one transform's output. On failure it emits
// TransformFailed without writing an output atom or enqueueing downstream
// transforms; storage faults are logged but otherwise handled the same way
// since the scheduler itself must stay alive.
func (e *Engine) process(id string) {
	e.mu.RLock()
	def, ok := e.defs[id]
	expr := e.expressions[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if expr == nil {
		e.fail(id, faultkind.New(faultkind.TypeMismatch, id+": no expression registered"))
		return
	}

	inputs := make([]json.RawMessage, len(def.Inputs))
	for i, addr := range def.Inputs {
		v, err := e.materializer.Materialize(addr)
		if err != nil {
			e.fail(def.ID, faultkind.Wrap(faultkind.StorageFault, addr.String(), err))
			return
		}
		inputs[i] = v
	}

	out, err := expr(inputs)
	if err != nil {
		e.fail(def.ID, err)
		return
	}

	newHead, err := e.writer.WriteOutput(def.Output, e.authorID, out)
	if err != nil {
		e.fail(def.ID, err)
		return
	}

	if e.publisher != nil {
		e.publisher.Publish(bus.FieldChanged, bus.FieldChangedPayload{
			Schema:  def.Output.Schema,
			Field:   def.Output.Field,
			NewHead: newHead,
		})
	}
}

func (e *Engine) fail(transformID string, err error) {
	e.logger.Printf("transform %s failed: %v", transformID, err)
	if e.publisher != nil {
		e.publisher.Publish(bus.TransformFailed, bus.TransformFailedPayload{
			TransformID: transformID,
			Reason:      err.Error(),
		})
	}
}
