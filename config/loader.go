package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Loader merges a fixed set of Sources, lowest priority first, into one
// map[string]interface{} tree.
type Loader struct {
	sources []Source
}

// NewLoader constructs a Loader over sources; order does not matter, Load
// sorts by Priority.
func NewLoader(sources ...Source) *Loader {
	return &Loader{sources: sources}
}

// Load reads every source and deep-merges them in ascending priority order.
func (l *Loader) Load(ctx context.Context) (map[string]interface{}, error) {
	ordered := make([]Source, len(l.sources))
	copy(ordered, l.sources)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Priority() < ordered[i].Priority() {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	merged := map[string]interface{}{}
	for _, src := range ordered {
		data, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		merged = DeepMerge(merged, data)
	}
	return merged, nil
}

// DeepMerge recursively overlays src onto dst: nested maps merge key by
// key, any other value (including a slice) in src replaces dst outright.
// Neither argument is mutated.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := out[k].(map[string]interface{}); ok {
				out[k] = DeepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FileSource loads a YAML or TOML file (by extension) into a map. A
// missing path is tolerated and contributes an empty map, so an optional
// override file need not exist.
type FileSource struct {
	Path     string
	priority int
}

// NewFileSource constructs a FileSource at the given priority.
func NewFileSource(path string, priority int) *FileSource {
	return &FileSource{Path: path, priority: priority}
}

func (f *FileSource) Priority() int { return f.priority }

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	body, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", f.Path, err)
	}

	out := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", f.Path, err)
		}
		return normalizeYAMLMaps(out), nil
	case ".toml":
		if err := toml.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", f.Path, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension for %s", f.Path)
	}
}

// Watch calls onChange when the file is written or created, using fsnotify
// as the teacher's ambient stack does for its own hot-reload paths. It does
// not reload the file itself.
func (f *FileSource) Watch(ctx context.Context, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(f.Path) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case <-watcher.Errors:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// yaml.v3 decodes nested maps as map[string]interface{} already (unlike
// gopkg.in/yaml.v2's map[interface{}]interface{}), so no conversion is
// normally needed; normalizeYAMLMaps exists only to guard against a
// top-level decode producing nil for an empty document.
func normalizeYAMLMaps(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// EnvSource reads environment variables under prefix (e.g. "GK_") into a
// single flat map, lower-casing and stripping the prefix, and using
// golobby/cast to coerce recognizable values to bool/int/float before
// falling back to string (e.g. GK_POINTS_DECAYRATE=0.05 -> {"points_decayrate": 0.05}).
type EnvSource struct {
	Prefix   string
	priority int
}

// NewEnvSource constructs an EnvSource at the given priority.
func NewEnvSource(prefix string, priority int) *EnvSource {
	return &EnvSource{Prefix: prefix, priority: priority}
}

func (e *EnvSource) Priority() int { return e.priority }

func (e *EnvSource) Load(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, e.Prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, e.Prefix))
		out[name] = coerce(value)
	}
	return out, nil
}

func coerce(value string) interface{} {
	if b, err := cast.ToBool(value); err == nil && (value == "true" || value == "false") {
		return b
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := cast.ToFloat64(value); err == nil {
		return f
	}
	return value
}
