// Package schema implements the schema registry: named field definitions,
// the Draft/Approved/Blocked lifecycle, and the validation rules enforced
// at registration.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/store"
)

// FieldKind tags the shape of an AtomRef a field resolves to.
type FieldKind string

const (
	Single     FieldKind = "single"
	Collection FieldKind = "collection"
	Range      FieldKind = "range"
)

// FieldType describes a field's AtomRef shape. KeyField names the field
// whose value supplies the range key when Kind is Range.
type FieldType struct {
	Kind     FieldKind `json:"kind"`
	KeyField string    `json:"key_field,omitempty"`
}

// PolicyKind tags a permission policy variant.
type PolicyKind string

const (
	NoRequirement PolicyKind = "no_requirement"
	TrustDistance PolicyKind = "trust_distance"
	Explicit      PolicyKind = "explicit"
)

// PermissionPolicy is a tagged variant: NoRequirement, TrustDistance(Distance),
// or Explicit(AllowedKeyIDs).
type PermissionPolicy struct {
	Kind          PolicyKind `json:"kind"`
	Distance      int        `json:"distance,omitempty"`
	AllowedKeyIDs []string   `json:"allowed_key_ids,omitempty"`
}

// ScalingKind tags a payment scaling function.
type ScalingKind string

const (
	ScalingNone        ScalingKind = "none"
	ScalingLinear      ScalingKind = "linear"
	ScalingExponential ScalingKind = "exponential"
)

// PaymentScaling is a tagged variant: None, Linear(Factor), or
// Exponential(Base).
type PaymentScaling struct {
	Kind   ScalingKind `json:"kind"`
	Factor float64     `json:"factor,omitempty"`
	Base   float64     `json:"base,omitempty"`
}

// Scale applies the scaling function to a trust distance d.
func (p PaymentScaling) Scale(d int) float64 {
	switch p.Kind {
	case ScalingLinear:
		return 1 + p.Factor*float64(d)
	case ScalingExponential:
		base := p.Base
		if base <= 0 {
			base = 1
		}
		result := 1.0
		for i := 0; i < d; i++ {
			result *= base
		}
		return result
	default:
		return 1
	}
}

// PaymentConfig describes the per-field cost formula:
// cost = BaseMultiplier * Scaling(trust_distance), clamped to MinPayment.
type PaymentConfig struct {
	BaseMultiplier float64        `json:"base_multiplier"`
	Scaling        PaymentScaling `json:"scaling"`
	MinPayment     float64        `json:"min_payment,omitempty"`
}

// Cost computes the clamped per-field cost at trust distance d.
func (p PaymentConfig) Cost(d int) float64 {
	c := p.BaseMultiplier * p.Scaling.Scale(d)
	if c < p.MinPayment {
		return p.MinPayment
	}
	return c
}

// PermissionConfig bundles a field's read and write policies.
type PermissionConfig struct {
	ReadPolicy  PermissionPolicy `json:"read_policy"`
	WritePolicy PermissionPolicy `json:"write_policy"`
}

// FieldDef is one field definition within a Schema.
type FieldDef struct {
	Name       string            `json:"name"`
	Type       FieldType         `json:"type"`
	Permission PermissionConfig  `json:"permission"`
	Payment    PaymentConfig     `json:"payment"`
	Transform  *TransformRef     `json:"transform,omitempty"`
	Mappers    map[string]string `json:"field_mappers,omitempty"`
}

// TransformRef names the transform that derives a field's value, resolved
// against the Transform Engine's own definitions.
type TransformRef struct {
	ID     string   `json:"id"`
	Inputs []Address `json:"inputs"`
}

// Address identifies a field: (schema, field).
type Address struct {
	Schema string `json:"schema"`
	Field  string `json:"field"`
}

func (a Address) String() string { return a.Schema + "." + a.Field }

// State is a schema's lifecycle state.
type State string

const (
	Draft    State = "draft"
	Approved State = "approved"
	Blocked  State = "blocked"
)

// Schema is a named collection of field definitions.
type Schema struct {
	Name     string              `json:"name"`
	Fields   map[string]FieldDef `json:"fields"`
	RangeKey string              `json:"range_key,omitempty"`
	State    State               `json:"state"`
}

// TransformValidator is the collaborator that checks a schema's declared
// transforms against the dependency graph before registration commits,
// avoiding an import cycle between schema and transform. transform.Engine
// implements this.
type TransformValidator interface {
	// Validate checks that every transform in fields references only
	// existing fields and that adding them would not close a cycle. It
	// must not mutate engine state unless it returns nil.
	Validate(schemaName string, fields map[string]FieldDef) error
	// Commit registers the validated transforms into the dependency graph.
	Commit(schemaName string, fields map[string]FieldDef) error
	// Remove drops a schema's transforms from the dependency graph.
	Remove(schemaName string)
}

// Registry is the schema store. Read-mostly: lookups take the read lock,
// lifecycle operations take the write lock and drain outstanding readers.
type Registry struct {
	mu         sync.RWMutex
	schemas    map[string]*Schema
	bs         store.ByteStore
	transforms TransformValidator
}

func NewRegistry(bs store.ByteStore, transforms TransformValidator) *Registry {
	return &Registry{
		schemas:    make(map[string]*Schema),
		bs:         bs,
		transforms: transforms,
	}
}

// Register validates and persists a new schema in Draft state.
func (r *Registry) Register(s *Schema) error {
	if err := validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[s.Name]; exists {
		return faultkind.New(faultkind.TypeMismatch, s.Name)
	}

	if r.transforms != nil {
		if err := r.transforms.Validate(s.Name, s.Fields); err != nil {
			return err
		}
	}

	s.State = Draft
	if err := r.persist(s); err != nil {
		return err
	}
	if r.transforms != nil {
		if err := r.transforms.Commit(s.Name, s.Fields); err != nil {
			return err
		}
	}
	r.schemas[s.Name] = s
	return nil
}

func validate(s *Schema) error {
	if s.Name == "" {
		return faultkind.New(faultkind.TypeMismatch, "name")
	}
	for name, f := range s.Fields {
		if name == "" {
			return faultkind.New(faultkind.TypeMismatch, "field name")
		}
		switch f.Type.Kind {
		case Single, Collection:
		case Range:
			// key_field is informational; the governing key comes from the
			// schema-level RangeKey attribute.
		default:
			return faultkind.New(faultkind.TypeMismatch, name)
		}
		if f.Permission.ReadPolicy.Kind == "" || f.Permission.WritePolicy.Kind == "" {
			return faultkind.New(faultkind.TypeMismatch, fmt.Sprintf("%s: missing permission policy", name))
		}
	}
	if s.RangeKey != "" {
		rk, ok := s.Fields[s.RangeKey]
		if !ok || rk.Type.Kind != Range {
			return faultkind.New(faultkind.RangeKeyMissing, s.RangeKey)
		}
	}
	return nil
}

func (r *Registry) persist(s *Schema) error {
	if r.bs == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return faultkind.Wrap(faultkind.StorageFault, s.Name, err)
	}
	if err := r.bs.Set(store.SchemaKey(s.Name), raw); err != nil {
		return faultkind.Wrap(faultkind.StorageFault, s.Name, err)
	}
	return nil
}

// Approve transitions Draft→Approved or Blocked→Approved.
func (r *Registry) Approve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[name]
	if !ok {
		return faultkind.New(faultkind.SchemaNotFound, name)
	}
	s.State = Approved
	return r.persist(s)
}

// Block transitions Approved→Blocked.
func (r *Registry) Block(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemas[name]
	if !ok {
		return faultkind.New(faultkind.SchemaNotFound, name)
	}
	s.State = Blocked
	return r.persist(s)
}

// Unload removes a schema from memory but leaves its persisted definition
// untouched.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; !ok {
		return faultkind.New(faultkind.SchemaNotFound, name)
	}
	delete(r.schemas, name)
	if r.transforms != nil {
		r.transforms.Remove(name)
	}
	return nil
}

// Get returns a schema, failing with SchemaNotFound if absent,
// SchemaBlocked if blocked, or SchemaNotApproved if still in Draft; used
// by callers that require an operable schema. Use Lookup for read-only
// inspection regardless of state.
func (r *Registry) Get(name string) (*Schema, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case Blocked:
		return nil, faultkind.New(faultkind.SchemaBlocked, name)
	case Draft:
		return nil, faultkind.New(faultkind.SchemaNotApproved, name)
	}
	return s, nil
}

// Lookup returns a schema regardless of its lifecycle state.
func (r *Registry) Lookup(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, faultkind.New(faultkind.SchemaNotFound, name)
	}
	return s, nil
}

// List returns all schemas known to the registry, in no particular order.
func (r *Registry) List() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

// ResolveField returns the field definition for name, accepting either the
// canonical field name or any alias declared in a field's mappers, along
// with the canonical name it resolved to.
func (s *Schema) ResolveField(name string) (FieldDef, string, bool) {
	if fd, ok := s.Fields[name]; ok {
		return fd, name, true
	}
	for canonical, fd := range s.Fields {
		for alias := range fd.Mappers {
			if alias == name {
				return fd, canonical, true
			}
		}
	}
	return FieldDef{}, "", false
}

// Field looks up a single field definition on an operable (Approved)
// schema.
func (r *Registry) Field(name, field string) (FieldDef, error) {
	s, err := r.Get(name)
	if err != nil {
		return FieldDef{}, err
	}
	fd, ok := s.Fields[field]
	if !ok {
		return FieldDef{}, faultkind.New(faultkind.FieldNotFound, field)
	}
	return fd, nil
}
