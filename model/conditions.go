package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Condition is a single key=value applicability requirement.
type Condition struct {
	Key   string
	Value any
}

// Conditions is an ordered set of applicability requirements. Order is the
// declaration order and survives YAML and JSON round trips, so skip reasons
// enumerate conditions deterministically.
type Conditions []Condition

// MarshalJSON encodes the conditions as a JSON object in declaration order.
func (c Conditions) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cond := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cond.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cond.Value)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", cond.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("conditions: expected object, got %v", tok)
	}

	out := Conditions{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("condition %q: %w", key, err)
		}
		val, ok := NormalizeConditionValue(raw)
		if !ok {
			return fmt.Errorf("condition %q: unsupported value %v", key, raw)
		}
		out = append(out, Condition{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

// MarshalYAML encodes the conditions as a mapping in declaration order.
func (c Conditions) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, cond := range c {
		var val yaml.Node
		if err := val.Encode(cond.Value); err != nil {
			return nil, fmt.Errorf("condition %q: %w", cond.Key, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: cond.Key},
			&val,
		)
	}
	return node, nil
}

// UnmarshalYAML decodes a mapping node, keeping key order.
func (c *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*c = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: applicability conditions must be a mapping", node.Line)
	}

	out := make(Conditions, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var raw any
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("condition %q: %w", key, err)
		}
		val, ok := NormalizeConditionValue(raw)
		if !ok {
			return fmt.Errorf("line %d: condition %q must be a bool, string or number", node.Content[i+1].Line, key)
		}
		out = append(out, Condition{Key: key, Value: val})
	}
	*c = out
	return nil
}

// NormalizeConditionValue maps v to bool, string or float64. The second
// result is false for any other type.
func NormalizeConditionValue(v any) (any, bool) {
	switch x := v.(type) {
	case bool, string, float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

// ConditionValuesEqual compares two condition values. Numbers compare by
// value regardless of their Go type; values of unsupported types never match.
func ConditionValuesEqual(a, b any) bool {
	na, ok := NormalizeConditionValue(a)
	if !ok {
		return false
	}
	nb, ok := NormalizeConditionValue(b)
	if !ok {
		return false
	}
	return na == nb
}

// FormatConditionValue renders a condition value for audit text.
func FormatConditionValue(v any) string {
	n, ok := NormalizeConditionValue(v)
	if !ok {
		return fmt.Sprint(v)
	}
	switch x := n.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return fmt.Sprint(n)
}
