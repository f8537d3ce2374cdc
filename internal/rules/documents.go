package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fieldworks/caravan/internal/idgen"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// ruleDocument is the on-disk shape of a rule set. Both TOML and YAML
// decode into it; the format is picked from the file extension.
type ruleDocument struct {
	Rules []ruleSpec `toml:"rules" yaml:"rules"`
}

type ruleSpec struct {
	ID            string          `toml:"id,omitempty" yaml:"id,omitempty"`
	Name          string          `toml:"name" yaml:"name"`
	EntityKind    string          `toml:"entity_kind" yaml:"entity_kind"`
	ScoreModifier int             `toml:"score_modifier" yaml:"score_modifier"`
	Active        *bool           `toml:"active" yaml:"active"`
	CreatedBy     string          `toml:"created_by,omitempty" yaml:"created_by,omitempty"`
	Conditions    []conditionSpec `toml:"conditions,omitempty" yaml:"conditions,omitempty"`
}

type conditionSpec struct {
	Field    string `toml:"field" yaml:"field"`
	Operator string `toml:"operator" yaml:"operator"`
	Value    any    `toml:"value" yaml:"value"`
	Modifier int    `toml:"modifier,omitempty" yaml:"modifier,omitempty"`
}

// ParseDocument decodes a rule document. The extension picks the format:
// .toml is TOML, .yaml or .yml is YAML. Rules missing an explicit active
// flag import as active.
func ParseDocument(path string, data []byte) ([]*types.PriorityRule, error) {
	var doc ruleDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("parse %s: unsupported extension (want .toml, .yaml, or .yml)", path)
	}

	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("parse %s: document contains no rules", path)
	}

	rules := make([]*types.PriorityRule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		rule := &types.PriorityRule{
			ID:            spec.ID,
			Name:          spec.Name,
			EntityKind:    types.EntityKind(spec.EntityKind),
			ScoreModifier: spec.ScoreModifier,
			Active:        spec.Active == nil || *spec.Active,
			CreatedBy:     spec.CreatedBy,
		}
		for _, c := range spec.Conditions {
			rule.Conditions = append(rule.Conditions, types.Condition{
				Field:    c.Field,
				Operator: types.Operator(c.Operator),
				Value:    normalizeValue(c.Value),
				Modifier: c.Modifier,
			})
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("parse %s: rule %d (%q): %w", path, i+1, spec.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ImportFile loads a rule document and creates every rule in it. The
// import is all-or-nothing: any invalid or colliding rule aborts it with
// nothing persisted.
func (r *Registry) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	parsed, err := ParseDocument(path, data)
	if err != nil {
		return 0, err
	}

	err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, rule := range parsed {
			if rule.CreatedAt.IsZero() {
				rule.CreatedAt = time.Now().UTC()
			}
			if rule.ID == "" {
				rule.ID = idgen.RuleID(rule.Name, rule.CreatedAt, 0)
			}
			if err := tx.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("import rule %q: %w", rule.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(parsed), nil
}

// ExportFile writes the rules matching the filter as a document at path,
// format chosen by extension.
func (r *Registry) ExportFile(ctx context.Context, path string, filter types.RuleFilter) (int, error) {
	rules, err := r.store.ListRules(ctx, filter)
	if err != nil {
		return 0, err
	}
	data, err := EncodeDocument(path, rules)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(rules), nil
}

// EncodeDocument renders rules as document bytes, format chosen by the
// path extension.
func EncodeDocument(path string, rules []*types.PriorityRule) ([]byte, error) {
	doc := ruleDocument{Rules: make([]ruleSpec, 0, len(rules))}
	for _, rule := range rules {
		active := rule.Active
		spec := ruleSpec{
			ID:            rule.ID,
			Name:          rule.Name,
			EntityKind:    string(rule.EntityKind),
			ScoreModifier: rule.ScoreModifier,
			Active:        &active,
			CreatedBy:     rule.CreatedBy,
		}
		for _, c := range rule.Conditions {
			spec.Conditions = append(spec.Conditions, conditionSpec{
				Field:    c.Field,
				Operator: string(c.Operator),
				Value:    c.Value,
				Modifier: c.Modifier,
			})
		}
		doc.Rules = append(doc.Rules, spec)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf strings.Builder
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		return []byte(buf.String()), nil
	case ".yaml", ".yml":
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("encode %s: unsupported extension (want .toml, .yaml, or .yml)", path)
}

// normalizeValue aligns decoder output with the JSON payloads conditions
// run against: integer condition values compare as float64 and map keys
// are strings. YAML produces int and map[any]any where JSON produces
// float64 and map[string]any.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalizeValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = normalizeValue(e)
		}
		return out
	}
	return v
}
