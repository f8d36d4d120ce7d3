package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// source is a config file ready for the strict JSON decoder. For YAML files
// it remembers the line of every key so decode errors can point at it.
type source struct {
	json  []byte
	lines map[string]int // dotted key path -> line
}

func readSource(path string, data []byte) (source, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return source{json: data}, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return source{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	src := source{lines: map[string]int{}}
	var v any = map[string]any{}
	if len(doc.Content) > 0 {
		var err error
		if v, err = src.walk(doc.Content[0], ""); err != nil {
			return source{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}
	if v == nil {
		v = map[string]any{}
	}
	j, err := json.Marshal(v)
	if err != nil {
		return source{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	src.json = j
	return src, nil
}

// walk converts n into values encoding/json can marshal. Sequence elements
// share their parent's path, as encoding/json reports field paths without
// indexes.
func (s *source) walk(n *yaml.Node, path string) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return s.walk(n.Alias, path)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := s.walk(c, path)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, vn := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
			}
			if k.Tag == "!!merge" {
				if err := s.merge(out, vn, path); err != nil {
					return nil, err
				}
				continue
			}
			p := k.Value
			if path != "" {
				p = path + "." + k.Value
			}
			if _, ok := s.lines[p]; !ok {
				s.lines[p] = k.Line
			}
			v, err := s.walk(vn, p)
			if err != nil {
				return nil, err
			}
			out[k.Value] = v
		}
		return out, nil
	}
	return nil, nil
}

// merge applies a "<<" key: merged keys never override explicit ones.
func (s *source) merge(dst map[string]any, n *yaml.Node, path string) error {
	v, err := s.walk(n, path)
	if err != nil {
		return err
	}
	maps, ok := v.([]any)
	if !ok {
		maps = []any{v}
	}
	for _, m := range maps {
		mm, ok := m.(map[string]any)
		if !ok {
			return fmt.Errorf("line %d: merge value must be a mapping", n.Line)
		}
		for k, v := range mm {
			if _, set := dst[k]; !set {
				dst[k] = v
			}
		}
	}
	return nil
}

// locate prefixes a decode error with the YAML line it refers to, when known.
func (s source) locate(err error) error {
	if len(s.lines) == 0 {
		return err
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		if line := s.lineOf(te.Field); line > 0 {
			return fmt.Errorf("line %d: %s: %w", line, te.Field, err)
		}
	}
	const unknown = `json: unknown field "`
	if msg := err.Error(); strings.HasPrefix(msg, unknown) {
		name := strings.TrimSuffix(strings.TrimPrefix(msg, unknown), `"`)
		if line := s.lineOfKey(name); line > 0 {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return err
}

func (s source) lineOf(path string) int {
	if line, ok := s.lines[path]; ok {
		return line
	}
	// encoding/json matches keys case-insensitively
	for p, line := range s.lines {
		if strings.EqualFold(p, path) {
			return line
		}
	}
	return 0
}

// lineOfKey returns the first line holding key at any depth.
func (s source) lineOfKey(key string) int {
	var found []int
	for p, line := range s.lines {
		if p == key || strings.HasSuffix(p, "."+key) {
			found = append(found, line)
		}
	}
	if len(found) == 0 {
		return 0
	}
	sort.Ints(found)
	return found[0]
}
