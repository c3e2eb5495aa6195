package schema

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// yamlSchema mirrors Schema/FieldDef in YAML-friendly shape for schema
// definition files an operator drops on disk.
type yamlSchema struct {
	Name     string                `yaml:"name"`
	RangeKey string                `yaml:"range_key,omitempty"`
	Fields   map[string]yamlField  `yaml:"fields"`
}

type yamlField struct {
	Type       string            `yaml:"type"` // "single", "collection", "range"
	KeyField   string            `yaml:"key_field,omitempty"`
	ReadPolicy yamlPolicy        `yaml:"read_policy"`
	WritePolicy yamlPolicy       `yaml:"write_policy"`
	Payment    yamlPayment       `yaml:"payment,omitempty"`
	Transform  *yamlTransform    `yaml:"transform,omitempty"`
	Mappers    map[string]string `yaml:"field_mappers,omitempty"`
}

type yamlPolicy struct {
	Kind          string   `yaml:"kind"` // "no_requirement", "trust_distance", "explicit"
	Distance      int      `yaml:"distance,omitempty"`
	AllowedKeyIDs []string `yaml:"allowed_key_ids,omitempty"`
}

type yamlPayment struct {
	BaseMultiplier float64 `yaml:"base_multiplier"`
	Scaling        string  `yaml:"scaling,omitempty"` // "none", "linear", "exponential"
	Factor         float64 `yaml:"factor,omitempty"`
	Base           float64 `yaml:"base,omitempty"`
	MinPayment     float64 `yaml:"min_payment,omitempty"`
}

type yamlTransform struct {
	ID     string   `yaml:"id,omitempty"`
	Inputs []string `yaml:"inputs"` // "schema.field" strings
}

// LoadFile parses one schema definition from a YAML file.
func LoadFile(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseYAML(raw)
}

// LoadDir parses every *.yaml/*.yml file in dir, in sorted filename order,
// into schema definitions ready for Registry.Register.
func LoadDir(dir string) ([]*Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Schema, 0, len(names))
	for _, name := range names {
		s, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseYAML(raw []byte) (*Schema, error) {
	var y yamlSchema
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return nil, err
	}

	s := &Schema{Name: y.Name, RangeKey: y.RangeKey, Fields: make(map[string]FieldDef, len(y.Fields))}
	for name, yf := range y.Fields {
		fd := FieldDef{
			Name: name,
			Type: FieldType{Kind: FieldKind(yf.Type), KeyField: yf.KeyField},
			Permission: PermissionConfig{
				ReadPolicy:  parsePolicy(yf.ReadPolicy),
				WritePolicy: parsePolicy(yf.WritePolicy),
			},
			Payment: parsePayment(yf.Payment),
			Mappers: yf.Mappers,
		}
		if yf.Transform != nil {
			id := yf.Transform.ID
			if id == "" {
				id = uuid.New().String()
			}
			fd.Transform = &TransformRef{ID: id, Inputs: parseAddresses(yf.Transform.Inputs)}
		}
		s.Fields[name] = fd
	}
	return s, nil
}

func parsePolicy(p yamlPolicy) PermissionPolicy {
	return PermissionPolicy{Kind: PolicyKind(p.Kind), Distance: p.Distance, AllowedKeyIDs: p.AllowedKeyIDs}
}

func parsePayment(p yamlPayment) PaymentConfig {
	kind := ScalingKind(p.Scaling)
	if kind == "" {
		kind = ScalingNone
	}
	return PaymentConfig{
		BaseMultiplier: p.BaseMultiplier,
		Scaling:        PaymentScaling{Kind: kind, Factor: p.Factor, Base: p.Base},
		MinPayment:     p.MinPayment,
	}
}

func parseAddresses(raw []string) []Address {
	out := make([]Address, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ".", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, Address{Schema: parts[0], Field: parts[1]})
	}
	return out
}
