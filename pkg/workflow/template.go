package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Node is one typed step of a job graph. Inputs hold scalars or references
// to other nodes ([id, outputIndex] pairs).
type Node struct {
	ClassType string         `yaml:"class_type" json:"class_type"`
	Inputs    map[string]any `yaml:"inputs" json:"inputs"`
}

// Template is a job graph keyed by node id. Templates loaded from storage
// are immutable; callers work on deep copies.
type Template map[int]*Node

// ParseTemplate reads a YAML node document and normalizes its keys to int.
func ParseTemplate(data []byte) (Template, error) {
	raw := map[string]*Node{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("parse template: empty document")
	}
	tpl := Template{}
	for key, node := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse template: node id %q is not an integer", key)
		}
		if node == nil {
			return nil, fmt.Errorf("parse template: node %d is empty", id)
		}
		if node.Inputs == nil {
			node.Inputs = map[string]any{}
		}
		tpl[id] = node
	}
	return tpl, nil
}

// Copy returns an independent copy down to node and input-map depth.
// Reference slices inside input values are copied as well so no mutation on
// one copy is observable through another.
func (t Template) Copy() Template {
	out := make(Template, len(t))
	for id, node := range t {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			if ref, ok := v.([]any); ok {
				inputs[k] = append([]any{}, ref...)
			} else {
				inputs[k] = v
			}
		}
		out[id] = &Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// MarshalJSON renders the graph in the backend's wire form: an object keyed
// by decimal node id strings, in ascending id order.
func (t Template) MarshalJSON() ([]byte, error) {
	ids := make([]int, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(strconv.Itoa(id))
		buf.Write(key)
		buf.WriteByte(':')
		node, err := json.Marshal(t[id])
		if err != nil {
			return nil, err
		}
		buf.Write(node)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
