package workflow

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/grailbio/base/file"
	"github.com/spf13/viper"
)

// namedBlock is the shape of any configuration key other than "flow" and
// "resources": `{classname, params, requires?}`.
type namedBlock struct {
	Classname string
	Params    map[string]interface{}
	Requires  []RequiredDataset
}

// Document is a fully merged, include-resolved configuration, ready to
// Bind against a Registry.
type Document struct {
	SourceSpec    string // flow.source: either a dataset path or a named block's name
	StageNames    []string
	Drop          []string
	ResourceDecls []resourceDecl
	Blocks        map[string]namedBlock
}

type resourceDecl struct {
	Classname string
	Params    map[string]interface{}
}

// LoadDocument reads configPath (grounded on
// junjiewwang-perf-analysis/pkg/config/config.go's viper.New/
// SetConfigType/ReadConfig/AllSettings pattern) and recursively resolves
// a top-level `include:` list, splicing each included document (paths
// relative to the including file's directory) underneath the including
// document, whose own keys take precedence on conflict.
func LoadDocument(ctx context.Context, configPath string) (*Document, error) {
	settings, err := loadMergedSettings(ctx, configPath, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	return parseDocument(settings)
}

func loadMergedSettings(ctx context.Context, configPath string, seen map[string]bool) (map[string]interface{}, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, configErrorf("resolving config path %q: %v", configPath, err)
	}
	if seen[abs] {
		return nil, configErrorf("include loop at %q", configPath)
	}
	seen[abs] = true

	f, err := file.Open(ctx, configPath)
	if err != nil {
		return nil, configErrorf("opening config %q: %v", configPath, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f.Reader(ctx)); err != nil {
		_ = f.Close(ctx)
		return nil, configErrorf("reading config %q: %v", configPath, err)
	}
	if err := f.Close(ctx); err != nil {
		return nil, configErrorf("closing config %q: %v", configPath, err)
	}

	v := viper.New()
	v.SetConfigType(configType(configPath))
	if err := v.ReadConfig(bytes.NewReader(buf.Bytes())); err != nil {
		return nil, configErrorf("parsing config %q: %v", configPath, err)
	}
	own := v.AllSettings()

	base := make(map[string]interface{})
	for _, inc := range toStringSlice(own["include"]) {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(abs), incPath)
		}
		incSettings, err := loadMergedSettings(ctx, incPath, seen)
		if err != nil {
			return nil, err
		}
		mergeMaps(base, incSettings)
	}
	delete(own, "include")
	mergeMaps(base, own)
	return base, nil
}

// mergeMaps overlays src onto dst in place: nested maps are merged
// recursively (so e.g. two includes can each contribute different stage
// blocks), everything else is a plain override with src winning.
func mergeMaps(dst, src map[string]interface{}) {
	for k, sv := range src {
		if dv, ok := dst[k]; ok {
			dm, dIsMap := dv.(map[string]interface{})
			sm, sIsMap := sv.(map[string]interface{})
			if dIsMap && sIsMap {
				mergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

func configType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

func parseDocument(settings map[string]interface{}) (*Document, error) {
	doc := &Document{Blocks: make(map[string]namedBlock)}

	flow, _ := settings["flow"].(map[string]interface{})
	if flow == nil {
		return nil, configErrorf("missing required top-level key \"flow\"")
	}
	source, ok := flow["source"].(string)
	if !ok || source == "" {
		return nil, configErrorf("flow.source is required")
	}
	doc.SourceSpec = source
	doc.StageNames = toStringSlice(flow["stages"])
	doc.Drop = toStringSlice(flow["drop"])

	for _, r := range toInterfaceSlice(settings["resources"]) {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, configErrorf("resources entries must be mappings")
		}
		classname, _ := m["classname"].(string)
		if classname == "" {
			return nil, configErrorf("resources entry missing classname")
		}
		params, _ := m["params"].(map[string]interface{})
		doc.ResourceDecls = append(doc.ResourceDecls, resourceDecl{Classname: classname, Params: params})
	}

	for key, v := range settings {
		if key == "flow" || key == "resources" {
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		classname, _ := m["classname"].(string)
		if classname == "" {
			continue
		}
		params, _ := m["params"].(map[string]interface{})
		requires, err := parseRequires(key, m["requires"])
		if err != nil {
			return nil, err
		}
		doc.Blocks[key] = namedBlock{Classname: classname, Params: params, Requires: requires}
	}
	return doc, nil
}

// parseRequires handles a stage's three requirement shapes: a bare path,
// a list of paths (a chain), or an object naming the cache key
// explicitly.
func parseRequires(stageName string, raw interface{}) ([]RequiredDataset, error) {
	var out []RequiredDataset
	for _, item := range toInterfaceSlice(raw) {
		switch v := item.(type) {
		case string:
			out = append(out, RequiredDataset{Name: v, Path: v})
		case []interface{}:
			paths := make([]string, 0, len(v))
			for _, p := range v {
				s, ok := p.(string)
				if !ok {
					return nil, configErrorf("stage %q: requires chain entries must be strings", stageName)
				}
				paths = append(paths, s)
			}
			if len(paths) == 0 {
				return nil, configErrorf("stage %q: empty requires chain", stageName)
			}
			target := paths[len(paths)-1]
			out = append(out, RequiredDataset{Name: target, Path: target, Hops: paths[:len(paths)-1]})
		case map[string]interface{}:
			name, _ := v["name"].(string)
			path, _ := v["path"].(string)
			if path == "" {
				return nil, configErrorf("stage %q: requires object missing path", stageName)
			}
			if name == "" {
				name = path
			}
			indexOnly, _ := v["index_only"].(bool)
			out = append(out, RequiredDataset{Name: name, Path: path, IndexOnly: indexOnly})
		default:
			return nil, configErrorf("stage %q: unrecognized requires entry %v", stageName, item)
		}
	}
	return out, nil
}

func toStringSlice(v interface{}) []string {
	var out []string
	for _, item := range toInterfaceSlice(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInterfaceSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	default:
		return nil
	}
}
