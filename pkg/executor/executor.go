// Package executor implements the query/mutation execution pipeline:
// resolves field addresses to their AtomRefs, applies filters (including
// range predicates), writes atoms, and publishes change events. Mutations
// stage atoms and ref updates, commit as one batch, and publish only after
// the commit succeeds.
package executor

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/datafold/datafold-core/pkg/atom"
	"github.com/datafold/datafold-core/pkg/bus"
	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/policy"
	"github.com/datafold/datafold-core/pkg/schema"
	"github.com/datafold/datafold-core/pkg/store"
)

// Op distinguishes the three mutation shapes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// CompareOp is a scalar comparison operator.
type CompareOp string

const (
	Eq  CompareOp = "eq"
	Ne  CompareOp = "ne"
	Gt  CompareOp = "gt"
	Gte CompareOp = "gte"
	Lt  CompareOp = "lt"
	Lte CompareOp = "lte"
)

// ScalarFilter compares a named field's current value against Value.
type ScalarFilter struct {
	Field string
	Op    CompareOp
	Value json.RawMessage
}

// RangeFilterKind tags a Range-field filter variant.
type RangeFilterKind string

const (
	RangeKey       RangeFilterKind = "key"
	RangeKeyPrefix RangeFilterKind = "key_prefix"
	RangeKeyRange  RangeFilterKind = "key_range"
	RangeKeys      RangeFilterKind = "keys"
	RangeKeyPattern RangeFilterKind = "key_pattern"
	RangeValue     RangeFilterKind = "value"
)

// RangeFilter is one of the Range-schema filter shapes.
type RangeFilter struct {
	Kind    RangeFilterKind
	Key     string
	Prefix  string
	Start   string // KeyRange: inclusive
	End     string // KeyRange: exclusive
	Keys    []string
	Pattern string // glob (* and ?), matched by globMatch; * also matches / and :
	Value   json.RawMessage
}

// Filter is the combined query/mutation predicate. At most one of Scalar or
// Range is meaningful for a given schema shape; a Range schema is filtered
// by Range, everything else by Scalar (nil means "match everything").
type Filter struct {
	Scalar *ScalarFilter
	Range  *RangeFilter
}

// QueryRequest is the input to Query.
type QueryRequest struct {
	Schema         string
	Fields         []string
	Filter         *Filter
	IncludeDeleted bool
	CallerID       string
	PaymentProof   *policy.PaymentProof
}

// Record is one resolved result row: field name -> materialized value(s).
// Single resolves to a single json.RawMessage, Collection to a JSON array,
// Range to a single json.RawMessage for the matched key.
type Record struct {
	Key    string `json:"key,omitempty"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// QueryResult is the ordered output of Query plus accounting metadata.
type QueryResult struct {
	Records    []Record
	RowsRead   int
	TotalCost  float64
}

// MutateRequest is the input to Create/Update/Delete.
type MutateRequest struct {
	Schema       string
	AuthorID     string
	Filter       *Filter // nil for Create
	Values       map[string]json.RawMessage
	CallerID     string
	PaymentProof *policy.PaymentProof
}

// MutateResult reports what a mutation did.
type MutateResult struct {
	RowsAffected int
	NewHeads     map[string]atom.Handle // field -> new head handle
	TotalCost    float64
}

// singleRef and collectionRef are the JSON shapes persisted at a field's
// base ref key (RefKey(schema, field, "")).
type singleRef struct {
	Head string `json:"head"`
}

type collectionRef struct {
	Members []string `json:"members"`
}

type rangeEntryRef struct {
	Head string `json:"head"`
}

// Executor is the query/mutation execution pipeline (C4).
type Executor struct {
	bs        store.ByteStore
	atoms     *atom.Store
	schemas   *schema.Registry
	gate      *policy.Gate
	publisher *bus.Bus
	logger    *log.Logger
	now       func() time.Time
}

func New(bs store.ByteStore, atoms *atom.Store, schemas *schema.Registry, gate *policy.Gate, publisher *bus.Bus, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[executor] ", log.LstdFlags)
	}
	return &Executor{bs: bs, atoms: atoms, schemas: schemas, gate: gate, publisher: publisher, logger: logger, now: time.Now}
}

// fieldRequests resolves a field-name list to policy.FieldRequest for the
// permission/payment gate, following field-mapper aliases to their
// canonical names and failing with FieldNotFound on any unknown field.
// The returned slice of canonical names is positionally aligned with the
// input.
func (e *Executor) fieldRequests(schemaName string, fields []string) ([]policy.FieldRequest, *schema.Schema, []string, error) {
	s, err := e.schemas.Get(schemaName)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make([]policy.FieldRequest, 0, len(fields))
	canonical := make([]string, 0, len(fields))
	for _, f := range fields {
		fd, name, ok := s.ResolveField(f)
		if !ok {
			return nil, nil, nil, faultkind.New(faultkind.FieldNotFound, f)
		}
		out = append(out, policy.FieldRequest{Schema: schemaName, Field: name, Def: fd})
		canonical = append(canonical, name)
	}
	return out, s, canonical, nil
}

// Query resolves the requested fields under the given filter and read
// policy: Single -> latest non-deleted atom, Collection -> current heads,
// Range -> ordered traversal constrained by the filter.
func (e *Executor) Query(req QueryRequest) (*QueryResult, error) {
	reqs, s, canonical, err := e.fieldRequests(req.Schema, req.Fields)
	if err != nil {
		return nil, err
	}
	req.Fields = canonical

	decision := e.gate.Authorize(policy.Read, req.CallerID, reqs, req.PaymentProof)
	if err := decisionErr(decision); err != nil {
		return nil, err
	}

	var rangeField string
	if req.Filter != nil && req.Filter.Range != nil {
		rangeField = s.RangeKey
		if rangeField == "" {
			return nil, faultkind.New(faultkind.RangeKeyMissing, req.Schema)
		}
	}

	var records []Record
	if rangeField != "" {
		records, err = e.queryRange(s, req, rangeField)
	} else {
		records, err = e.queryScalar(s, req)
	}
	if err != nil {
		return nil, err
	}

	return &QueryResult{Records: records, RowsRead: len(records), TotalCost: decision.Amount}, nil
}

// queryRange traverses the governing Range field's key index in ascending
// order, constrained by the Range filter, and resolves every requested
// field at each matched key.
func (e *Executor) queryRange(s *schema.Schema, req QueryRequest, rangeField string) ([]Record, error) {
	keys, err := e.matchedRangeKeys(s.Name, rangeField, req.Filter.Range)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, k := range keys {
		rec := Record{Key: k, Fields: map[string]json.RawMessage{}}
		included := true
		for _, f := range req.Fields {
			fd := s.Fields[f]
			val, deleted, err := e.materializeAt(s.Name, f, fd, k)
			if err != nil {
				if faultkind.Is(err, faultkind.NotFound) {
					included = false
					break
				}
				return nil, err
			}
			if deleted && !req.IncludeDeleted {
				included = false
				break
			}
			if req.Filter.Range.Kind == RangeValue && f == rangeField {
				if !bytesEqualJSON(val, req.Filter.Range.Value) {
					included = false
					break
				}
			}
			rec.Fields[f] = val
		}
		if included {
			out = append(out, rec)
		}
	}
	return out, nil
}

// matchedRangeKeys returns the ascending keys of field's range index that
// satisfy filter. KeyRange is half-open: inclusive start, exclusive end.
func (e *Executor) matchedRangeKeys(schemaName, field string, filter *RangeFilter) ([]string, error) {
	it, err := e.bs.Iterate(store.RefPrefix(schemaName, field))
	if err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	defer it.Close()

	prefix := store.RefPrefix(schemaName, field)
	var keys []string
	for it.Next() {
		k := strings.TrimPrefix(string(it.Key()), string(prefix))
		keys = append(keys, k)
	}
	if err := it.Error(); err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	sort.Strings(keys)

	if filter == nil {
		return keys, nil
	}
	var out []string
	for _, k := range keys {
		if rangeFilterMatches(filter, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func rangeFilterMatches(f *RangeFilter, key string) bool {
	switch f.Kind {
	case RangeKey:
		return key == f.Key
	case RangeKeyPrefix:
		return strings.HasPrefix(key, f.Prefix)
	case RangeKeyRange:
		return key >= f.Start && key < f.End
	case RangeKeys:
		for _, k := range f.Keys {
			if k == key {
				return true
			}
		}
		return false
	case RangeKeyPattern:
		ok, _ := globMatch(f.Pattern, key)
		return ok
	case RangeValue:
		return true // value match is applied after materialization
	default:
		return true
	}
}

// globMatch implements the small subset of shell glob (*, ?) KeyPattern
// needs. path.Match is unsuitable here: its * stops at path separators,
// and range keys legitimately contain / and :.
func globMatch(pattern, s string) (bool, error) {
	return matchGlob([]rune(pattern), []rune(s)), nil
}

func matchGlob(p, s []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '*':
		if matchGlob(p[1:], s) {
			return true
		}
		return len(s) > 0 && matchGlob(p, s[1:])
	case '?':
		return len(s) > 0 && matchGlob(p[1:], s[1:])
	default:
		return len(s) > 0 && p[0] == s[0] && matchGlob(p[1:], s[1:])
	}
}

// queryScalar handles non-Range schemas: each requested field resolves to
// its current Single/Collection materialization, optionally filtered by a
// scalar comparison against one field's value. There is exactly one
// logical record per query since these schemas carry no key dimension.
func (e *Executor) queryScalar(s *schema.Schema, req QueryRequest) ([]Record, error) {
	rec := Record{Fields: map[string]json.RawMessage{}}
	for _, f := range req.Fields {
		fd := s.Fields[f]
		val, deleted, err := e.materializeAt(s.Name, f, fd, "")
		if err != nil {
			if faultkind.Is(err, faultkind.NotFound) {
				return nil, nil
			}
			return nil, err
		}
		if deleted && !req.IncludeDeleted {
			return nil, nil
		}
		rec.Fields[f] = val
	}

	if req.Filter != nil && req.Filter.Scalar != nil {
		sf := req.Filter.Scalar
		v, ok := rec.Fields[sf.Field]
		if !ok {
			return nil, faultkind.New(faultkind.FieldNotFound, sf.Field)
		}
		if !compareMatches(sf.Op, v, sf.Value) {
			return nil, nil
		}
	}
	return []Record{rec}, nil
}

func compareMatches(op CompareOp, a, b json.RawMessage) bool {
	cmp := compareJSON(a, b)
	switch op {
	case Eq:
		return cmp == 0
	case Ne:
		return cmp != 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	default:
		return false
	}
}

// compareJSON orders two raw JSON scalars: numerically if both decode as
// float64, lexicographically on their raw text otherwise.
func compareJSON(a, b json.RawMessage) int {
	var fa, fb float64
	if json.Unmarshal(a, &fa) == nil && json.Unmarshal(b, &fb) == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(string(a), string(b))
}

func bytesEqualJSON(a, b json.RawMessage) bool {
	return compareJSON(a, b) == 0
}

// materializeAt resolves one field's current value. chainKey is only
// meaningful for Range fields. Returns (value, deleted, error); NotFound
// means no atom has ever been written to this cell.
func (e *Executor) materializeAt(schemaName, field string, fd schema.FieldDef, chainKey string) (json.RawMessage, bool, error) {
	switch fd.Type.Kind {
	case schema.Single:
		return e.materializeSingle(schemaName, field)
	case schema.Collection:
		return e.materializeCollection(schemaName, field)
	case schema.Range:
		return e.materializeRangeEntry(schemaName, field, chainKey)
	default:
		return nil, false, faultkind.New(faultkind.TypeMismatch, field)
	}
}

func (e *Executor) materializeSingle(schemaName, field string) (json.RawMessage, bool, error) {
	raw, err := e.bs.Get(store.RefKey(schemaName, field, ""))
	if err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	if raw == nil {
		return nil, false, faultkind.New(faultkind.NotFound, field)
	}
	var ref singleRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	a, err := e.atoms.Get(atom.Handle(ref.Head))
	if err != nil {
		return nil, false, err
	}
	return a.Content, a.Status == atom.Deleted, nil
}

func (e *Executor) materializeCollection(schemaName, field string) (json.RawMessage, bool, error) {
	raw, err := e.bs.Get(store.RefKey(schemaName, field, ""))
	if err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	if raw == nil {
		return json.RawMessage("[]"), false, nil
	}
	var ref collectionRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	values := make([]json.RawMessage, 0, len(ref.Members))
	for _, head := range ref.Members {
		a, err := e.atoms.Get(atom.Handle(head))
		if err != nil {
			return nil, false, err
		}
		if a.Status == atom.Deleted {
			continue
		}
		values = append(values, a.Content)
	}
	out, err := json.Marshal(values)
	if err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	return out, false, nil
}

func (e *Executor) materializeRangeEntry(schemaName, field, key string) (json.RawMessage, bool, error) {
	raw, err := e.bs.Get(store.RefKey(schemaName, field, key))
	if err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	if raw == nil {
		return nil, false, faultkind.New(faultkind.NotFound, field)
	}
	var ref rangeEntryRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, false, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	a, err := e.atoms.Get(atom.Handle(ref.Head))
	if err != nil {
		return nil, false, err
	}
	return a.Content, a.Status == atom.Deleted, nil
}

// Materialize implements transform.Materializer, resolving a field address
// with no range key (transforms operate on Single-valued inputs).
func (e *Executor) Materialize(addr schema.Address) (json.RawMessage, error) {
	fd, err := e.schemas.Field(addr.Schema, addr.Field)
	if err != nil {
		return nil, err
	}
	val, _, err := e.materializeAt(addr.Schema, addr.Field, fd, "")
	return val, err
}

// WriteOutput implements transform.OutputWriter: appends the computed value
// as a new atom and advances the output field's AtomRef in one batch.
func (e *Executor) WriteOutput(addr schema.Address, authorID string, value json.RawMessage) (string, error) {
	fd, err := e.schemas.Field(addr.Schema, addr.Field)
	if err != nil {
		return "", err
	}
	if fd.Type.Kind != schema.Single {
		return "", faultkind.New(faultkind.TypeMismatch, addr.String())
	}

	prevHead, err := e.currentSingleHead(addr.Schema, addr.Field)
	if err != nil {
		return "", err
	}

	b := e.bs.NewBatch()
	defer b.Close()

	handle, err := e.atoms.AppendInBatch(b, authorID, value, prevHead, e.now())
	if err != nil {
		return "", err
	}
	refRaw, err := json.Marshal(singleRef{Head: string(handle)})
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, addr.String(), err)
	}
	b.Set(store.RefKey(addr.Schema, addr.Field, ""), refRaw)

	if err := b.Write(); err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, addr.String(), err)
	}
	return string(handle), nil
}

func (e *Executor) currentSingleHead(schemaName, field string) (atom.Handle, error) {
	raw, err := e.bs.Get(store.RefKey(schemaName, field, ""))
	if err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	if raw == nil {
		return "", nil
	}
	var ref singleRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	return atom.Handle(ref.Head), nil
}

// Create appends one atom per value and establishes each field's AtomRef,
// all in a single batch. For a Range schema, pass
// the target key via req.Filter.Range (Key kind); omitting it targets the
// schema's single non-keyed row.
func (e *Executor) Create(req MutateRequest) (*MutateResult, error) {
	return e.mutate(OpCreate, req, req.Filter)
}

// Update materializes the matching set under req.Filter (same resolution as
// Query) then overwrites each matched field with req.Values.
func (e *Executor) Update(req MutateRequest) (*MutateResult, error) {
	return e.mutate(OpUpdate, req, req.Filter)
}

// Delete materializes the matching set and appends a tombstone atom for
// each matched field.
func (e *Executor) Delete(req MutateRequest) (*MutateResult, error) {
	return e.mutate(OpDelete, req, req.Filter)
}

// mutate is the shared implementation behind Create/Update/Delete: resolve
// -> authorize -> stage atoms and ref updates in one batch -> commit ->
// publish events. No event is published and no atom is reachable if the
// batch fails to commit.
func (e *Executor) mutate(op Op, req MutateRequest, filter *Filter) (*MutateResult, error) {
	requested := make([]string, 0, len(req.Values))
	for f := range req.Values {
		requested = append(requested, f)
	}
	sort.Strings(requested)

	reqs, s, canonical, err := e.fieldRequests(req.Schema, requested)
	if err != nil {
		return nil, err
	}

	// Rekey values by canonical field name so mapper aliases write to the
	// field they alias.
	values := make(map[string]json.RawMessage, len(requested))
	for i, f := range requested {
		values[canonical[i]] = req.Values[f]
	}
	fieldNames := append([]string(nil), canonical...)
	sort.Strings(fieldNames)

	decision := e.gate.Authorize(policy.Write, req.CallerID, reqs, req.PaymentProof)
	if err := decisionErr(decision); err != nil {
		return nil, err
	}

	var keys []string
	switch {
	case op == OpCreate && filter != nil && filter.Range != nil && filter.Range.Kind == RangeKey:
		// Create targets a not-yet-existing key directly; it must not go
		// through matchedRangeKeys, which only sees keys already indexed.
		keys = []string{filter.Range.Key}
	case filter != nil && filter.Range != nil && s.RangeKey != "":
		keys, err = e.matchedRangeKeys(s.Name, s.RangeKey, filter.Range)
		if err != nil {
			return nil, err
		}
	default:
		keys = []string{""} // scalar (non-range) schemas mutate the single logical row
	}

	staged := &stagedWrites{}
	newHeads := make(map[string]atom.Handle, len(fieldNames))
	ts := e.now()
	for _, key := range keys {
		for _, f := range fieldNames {
			fd := s.Fields[f]
			handle, refKey, refVal, err := e.stageMutation(staged, op, s.Name, f, fd, key, req.AuthorID, values[f], ts)
			if err != nil {
				return nil, err
			}
			staged.Set(refKey, refVal)
			newHeads[f] = handle
		}
	}

	// A storage fault on commit rolls the batch back; one retry with a
	// fresh batch before the fault is surfaced.
	if err := e.commitStaged(staged); err != nil {
		e.logger.Printf("mutation commit failed, retrying once: %v", err)
		if err = e.commitStaged(staged); err != nil {
			return nil, faultkind.Wrap(faultkind.StorageFault, s.Name, err)
		}
	}

	for _, f := range fieldNames {
		if e.publisher != nil {
			e.publisher.Publish(bus.FieldChanged, bus.FieldChangedPayload{
				Schema: s.Name, Field: f, NewHead: string(newHeads[f]),
			})
		}
	}

	return &MutateResult{RowsAffected: len(keys), NewHeads: newHeads, TotalCost: decision.Amount}, nil
}

// stageMutation appends the atom for one (field, key) cell into batch b and
// returns the ref key/value to write alongside it, without writing the
// batch itself. Collection fields route to their own staging: their base
// ref holds a member list, not a single head.
func (e *Executor) stageMutation(b store.Batch, op Op, schemaName, field string, fd schema.FieldDef, key, authorID string, value json.RawMessage, ts time.Time) (atom.Handle, []byte, []byte, error) {
	if fd.Type.Kind == schema.Collection {
		return e.stageCollectionMutation(b, op, schemaName, field, authorID, value, ts)
	}

	refKey := store.RefKey(schemaName, field, key)

	var prevHead atom.Handle
	if op != OpCreate {
		raw, err := e.bs.Get(refKey)
		if err != nil {
			return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, err)
		}
		if raw != nil {
			var ref singleRef
			if err := json.Unmarshal(raw, &ref); err == nil {
				prevHead = atom.Handle(ref.Head)
			}
		}
	}

	var handle atom.Handle
	var err error
	if op == OpDelete {
		if prevHead == "" {
			return "", nil, nil, faultkind.New(faultkind.NotFound, field)
		}
		a, gerr := e.atoms.Get(prevHead)
		if gerr != nil {
			return "", nil, nil, gerr
		}
		handle, err = e.atoms.AppendTombstoneInBatch(b, authorID, prevHead, a.Content, ts)
	} else {
		handle, err = e.atoms.AppendInBatch(b, authorID, value, prevHead, ts)
	}
	if err != nil {
		return "", nil, nil, err
	}

	refRaw, merr := json.Marshal(singleRef{Head: string(handle)})
	if merr != nil {
		return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, merr)
	}

	return handle, refKey, refRaw, nil
}

// stageCollectionMutation stages one mutation against a Collection field's
// member list. Create appends a fresh member chain; Update appends a new
// atom onto every live member chain; Delete tombstones every live member.
// Tombstoned members keep their heads so the chains stay walkable.
func (e *Executor) stageCollectionMutation(b store.Batch, op Op, schemaName, field, authorID string, value json.RawMessage, ts time.Time) (atom.Handle, []byte, []byte, error) {
	base := store.RefKey(schemaName, field, "")
	raw, err := e.bs.Get(base)
	if err != nil {
		return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, err)
	}
	var ref collectionRef
	if raw != nil {
		if err := json.Unmarshal(raw, &ref); err != nil {
			return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, err)
		}
	}

	if op == OpCreate {
		handle, err := e.atoms.AppendInBatch(b, authorID, value, "", ts)
		if err != nil {
			return "", nil, nil, err
		}
		ref.Members = append(ref.Members, string(handle))
		out, merr := json.Marshal(ref)
		if merr != nil {
			return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, merr)
		}
		return handle, base, out, nil
	}

	if len(ref.Members) == 0 {
		return "", nil, nil, faultkind.New(faultkind.NotFound, field)
	}

	newMembers := make([]string, 0, len(ref.Members))
	var last atom.Handle
	for _, head := range ref.Members {
		prev := atom.Handle(head)
		cur, gerr := e.atoms.Get(prev)
		if gerr != nil {
			return "", nil, nil, gerr
		}
		if cur.Status == atom.Deleted {
			newMembers = append(newMembers, head)
			continue
		}
		var h atom.Handle
		if op == OpDelete {
			h, err = e.atoms.AppendTombstoneInBatch(b, authorID, prev, cur.Content, ts)
		} else {
			h, err = e.atoms.AppendInBatch(b, authorID, value, prev, ts)
		}
		if err != nil {
			return "", nil, nil, err
		}
		newMembers = append(newMembers, string(h))
		last = h
	}

	ref.Members = newMembers
	out, merr := json.Marshal(ref)
	if merr != nil {
		return "", nil, nil, faultkind.Wrap(faultkind.StorageFault, field, merr)
	}
	return last, base, out, nil
}

// CurrentHeads enumerates every head handle referenced by any AtomRef, in
// ascending handle order, for snapshot export. Collection refs contribute
// every member head.
func (e *Executor) CurrentHeads() ([]atom.Handle, error) {
	it, err := e.bs.Iterate(store.AllRefsPrefix())
	if err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, "refs", err)
	}
	defer it.Close()

	seen := make(map[string]bool)
	var heads []atom.Handle
	add := func(h string) {
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		heads = append(heads, atom.Handle(h))
	}
	for it.Next() {
		var ref struct {
			Head    string   `json:"head"`
			Members []string `json:"members"`
		}
		if err := json.Unmarshal(it.Value(), &ref); err != nil {
			return nil, faultkind.Wrap(faultkind.StorageFault, string(it.Key()), err)
		}
		add(ref.Head)
		for _, m := range ref.Members {
			add(m)
		}
	}
	if err := it.Error(); err != nil {
		return nil, faultkind.Wrap(faultkind.StorageFault, "refs", err)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads, nil
}

// stagedWrites records the key/value pairs of a pending mutation so the
// commit can be replayed into a fresh store batch if the first attempt
// faults. It satisfies store.Batch for the staging helpers; Write and Close
// are no-ops since the real batch is built by commitStaged.
type stagedWrites struct {
	sets [][2][]byte
}

func (s *stagedWrites) Set(key, value []byte) { s.sets = append(s.sets, [2][]byte{key, value}) }
func (s *stagedWrites) Delete(key []byte)     {}
func (s *stagedWrites) Write() error          { return nil }
func (s *stagedWrites) Close() error          { return nil }

func (e *Executor) commitStaged(staged *stagedWrites) error {
	b := e.bs.NewBatch()
	for _, kv := range staged.sets {
		b.Set(kv[0], kv[1])
	}
	if err := b.Write(); err != nil {
		b.Close()
		return err
	}
	return nil
}

func decisionErr(d policy.Decision) error {
	switch d.Kind {
	case policy.Allow:
		return nil
	case policy.Deny:
		return d.Reason
	case policy.RequirePayment:
		return faultkind.NewPaymentRequired(d.Amount, d.Invoice)
	default:
		return faultkind.New(faultkind.StorageFault, "unknown decision")
	}
}
