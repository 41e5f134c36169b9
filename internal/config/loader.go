package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Config files may pull other files in through a top-level "$include"
// entry (one path or a list, resolved relative to the including file).
// Includes form the base layer; the including file wins on conflicts,
// with nested maps merged key by key. ${ENV} references are expanded
// before parsing, which is how army.yaml carries the bot token without
// storing it.

const includeDirective = "$include"

// readConfigTree loads path plus everything it includes into one map.
func readConfigTree(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}
	r := includeResolver{active: map[string]struct{}{}}
	return r.load(path)
}

// includeResolver tracks the chain of files currently being expanded so
// a file including itself, directly or through intermediaries, fails
// instead of recursing forever.
type includeResolver struct {
	active map[string]struct{}
}

func (r *includeResolver) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, open := r.active[abs]; open {
		return nil, fmt.Errorf("include cycle through %s", abs)
	}
	r.active[abs] = struct{}{}
	defer delete(r.active, abs)

	doc, err := parseConfigFile(abs)
	if err != nil {
		return nil, err
	}
	bases, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	tree := map[string]any{}
	for _, rel := range bases {
		if strings.TrimSpace(rel) == "" {
			continue
		}
		p := rel
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(abs), p)
		}
		sub, err := r.load(p)
		if err != nil {
			return nil, err
		}
		overlay(tree, sub)
	}
	overlay(tree, doc)
	return tree, nil
}

// parseConfigFile reads one file, expanding ${ENV} first. .json and
// .json5 go through the json5 parser (comments and trailing commas
// survive); anything else is YAML, single document only.
func parseConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: more than one YAML document", path)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns the
// paths it listed.
func takeIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeDirective]
	if !ok {
		return nil, nil
	}
	delete(doc, includeDirective)

	switch inc := v.(type) {
	case string:
		return []string{inc}, nil
	case []any:
		out := make([]string, len(inc))
		for i, e := range inc {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeDirective)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a path or a list of paths", includeDirective)
}

// overlay folds src into dst, descending into maps present on both
// sides so an override can set one nested key without clobbering its
// siblings.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		cur, ok := dst[k].(map[string]any)
		if !ok {
			cur = map[string]any{}
			dst[k] = cur
		}
		overlay(cur, sub)
	}
}

// bindConfig maps the merged tree onto Config, rejecting keys the
// struct does not declare so a typo in army.yaml fails at startup
// instead of being silently dropped.
func bindConfig(tree map[string]any) (*Config, error) {
	buf, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("re-encode config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
