package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names other config files to merge into this one before
// decoding. The value is a path or list of paths, relative to the
// including file. Later includes and the including file itself win on
// conflicting keys.
const includeKey = "$include"

// LoadRaw reads the file at path and returns its contents as a generic
// map with all $include directives resolved, environment variables
// expanded, and nested includes merged depth-first. No schema is
// applied; Load layers strict decoding on top.
func LoadRaw(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	return loadMerged(abs, map[string]bool{})
}

// loadMerged loads one file and folds its includes underneath it.
// visited holds absolute paths already on the include stack so that
// cycles fail instead of recursing forever.
func loadMerged(abs string, visited map[string]bool) (map[string]any, error) {
	if visited[abs] {
		return nil, fmt.Errorf("config: include cycle through %s", abs)
	}
	visited[abs] = true
	defer delete(visited, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", abs, err)
	}
	doc, err := parseDocument(abs, []byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}

	includes, err := includePaths(abs, doc)
	if err != nil {
		return nil, err
	}
	delete(doc, includeKey)

	// Includes form the base; the including file overrides them.
	merged := map[string]any{}
	for _, inc := range includes {
		sub, err := loadMerged(inc, visited)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, doc), nil
}

// parseDocument decodes YAML or JSON5 based on extension. YAML streams
// with more than one document are rejected; a config file is one doc.
func parseDocument(abs string, data []byte) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", abs, err)
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("config: parse %s: %w", abs, err)
		}
		var extra map[string]any
		if err := dec.Decode(&extra); err == nil {
			return nil, fmt.Errorf("config: %s contains multiple YAML documents", abs)
		}
	}
	return doc, nil
}

// includePaths extracts the $include value as absolute paths in order.
func includePaths(abs string, doc map[string]any) ([]string, error) {
	raw, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	var rels []string
	switch v := raw.(type) {
	case string:
		rels = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s: $include entries must be strings, got %T", abs, item)
			}
			rels = append(rels, s)
		}
	default:
		return nil, fmt.Errorf("config: %s: $include must be a string or list of strings, got %T", abs, raw)
	}

	base := filepath.Dir(abs)
	paths := make([]string, 0, len(rels))
	for _, rel := range rels {
		p := rel
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		paths = append(paths, filepath.Clean(p))
	}
	return paths, nil
}

// mergeMaps deep-merges override into base. Maps merge recursively;
// any other value in override replaces the base value wholesale.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeRawConfig converts a merged raw map into a Config, rejecting
// unknown fields. The round trip through YAML keeps one set of field
// tags authoritative for both formats.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(buf)))
	dec.KnownFields(true)
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
