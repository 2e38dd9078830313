package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const runIDKey = "run_id"

// WriteArgs records the run configuration as a protobuf Struct, together with
// the run identifier.
func WriteArgs(path string, cfg Config, runID string) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("failed to flatten config: %w", err)
	}

	// structpb only accepts generic JSON values
	raw, err := json.Marshal(k.Raw())
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	values[runIDKey] = runID

	s, err := structpb.NewStruct(values)
	if err != nil {
		return fmt.Errorf("failed to build args struct: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write args: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadArgs loads a configuration previously stored by WriteArgs.
func ReadArgs(path string) (Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Config{}, "", fmt.Errorf("failed to decode args %s: %w", path, err)
	}

	values := s.AsMap()
	runID, _ := values[runIDKey].(string)
	delete(values, runIDKey)

	// JSON is valid YAML, which lets the koanf yaml parser read it back
	raw, err := json.Marshal(values)
	if err != nil {
		return Config{}, "", err
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return Config{}, "", fmt.Errorf("failed to parse args %s: %w", path, err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, "", fmt.Errorf("failed to unmarshal args %s: %w", path, err)
	}
	return cfg, runID, nil
}

// Diff lists the keys whose values differ between two configurations.
func Diff(a, b Config) ([]string, error) {
	ka, kb := koanf.New("."), koanf.New(".")
	if err := ka.Load(structs.Provider(a, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to flatten config: %w", err)
	}
	if err := kb.Load(structs.Provider(b, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to flatten config: %w", err)
	}

	seen := make(map[string]bool)
	var keys []string
	for _, key := range append(ka.Keys(), kb.Keys()...) {
		if seen[key] {
			continue
		}
		seen[key] = true
		if fmt.Sprint(ka.Get(key)) != fmt.Sprint(kb.Get(key)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
