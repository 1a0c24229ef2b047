// Package config implements layered configuration resolution for service
// instances. Lookup precedence, highest first: CLI args, bus-sourced
// dynamic config, per-service environment overrides, the YAML file (with
// ${NAME} expansion applied at load time), built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks unresolvable configuration. It is fatal at startup and
// maps to exit code 2.
var ErrConfig = errors.New("config error")

// Layer priorities. Higher wins.
const (
	priorityDefaults = 0
	priorityFile     = 10
	priorityBus      = 20
	priorityArgs     = 30
)

// Bootstrap environment variables.
const (
	envBusHost = "BUS_HOST"
	envBusPort = "BUS_PORT"
)

// DefaultConfigFile is the conventional location of the services file.
const DefaultConfigFile = "./config/services.yaml"

type layer struct {
	name     string
	priority int
	data     map[string]any
}

// Resolver merges an ordered stack of configuration sources and answers
// per-instance lookups.
type Resolver struct {
	logger zerolog.Logger
	layers []layer
	source string
}

// NewResolver returns an empty resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "config").Logger()}
}

// Bootstrap performs phase one of the two-phase bootstrap: load a local
// .env file if present, read the YAML file with environment expansion, and
// stack the CLI args layer on top. The bus layer is added later by
// AddBusLayer once a connection exists.
func Bootstrap(path string, args map[string]any, logger zerolog.Logger) (*Resolver, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return nil, fmt.Errorf("%w: loading .env: %v", ErrConfig, err)
	}

	r := NewResolver(logger)
	r.AddLayer("defaults", defaultLayer(), priorityDefaults)

	if path != "" {
		data, err := loadFile(path, r.logger)
		if err != nil {
			return nil, err
		}
		r.source = path
		r.AddLayer("file", data, priorityFile)
	}

	if len(args) > 0 {
		r.AddLayer("args", args, priorityArgs)
	}
	return r, nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}
	return err
}

func loadFile(path string, logger zerolog.Logger) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	expanded, _ := expandEnv(data, logger).(map[string]any)
	return expanded, nil
}

func defaultLayer() map[string]any {
	return map[string]any{
		"bus": map[string]any{
			"host": "localhost",
			"port": 4222,
		},
	}
}

// Source returns the path of the loaded config file, if any.
func (r *Resolver) Source() string { return r.source }

// AddLayer inserts a configuration source at the given priority.
func (r *Resolver) AddLayer(name string, data map[string]any, priority int) {
	r.layers = append(r.layers, layer{name: name, priority: priority, data: data})
	sort.SliceStable(r.layers, func(i, j int) bool {
		return r.layers[i].priority < r.layers[j].priority
	})
	r.logger.Debug().Str("layer", name).Int("priority", priority).Msg("config layer added")
}

// AddBusLayer stacks dynamic bus-sourced configuration between the file and
// args layers (phase two of the bootstrap).
func (r *Resolver) AddBusLayer(data map[string]any) {
	r.AddLayer("bus", data, priorityBus)
}

// Raw returns the deep merge of all layers, lowest priority first.
func (r *Resolver) Raw() map[string]any {
	merged := map[string]any{}
	for _, l := range r.layers {
		merged = deepMerge(merged, l.data)
	}
	return merged
}

// BusOptions resolves the bus host and port for phase one, honoring the
// BUS_HOST and BUS_PORT bootstrap environment overrides.
func (r *Resolver) BusOptions() (string, int) {
	host := "localhost"
	port := 4222

	raw := r.Raw()
	if section, ok := raw["bus"].(map[string]any); ok {
		if v, ok := section["host"].(string); ok && v != "" {
			host = v
		}
		if v, ok := asInt(section["port"]); ok {
			port = v
		}
	}

	if v, ok := lookupTrimmed(envBusHost); ok {
		host = v
	}
	if v, ok := lookupTrimmed(envBusPort); ok {
		if p, ok := asInt(retype(v)); ok {
			port = p
		}
	}
	return host, port
}

// ResolveInstance assembles the effective configuration map for one service
// instance. The merge order within each layer is: global keys, then the
// section matching service_type, then the entry matching the exact variant.
// Per-service environment overrides are applied above file values and below
// the bus layer; the args layer stays highest.
func (r *Resolver) ResolveInstance(serviceType, variant string) map[string]any {
	merged := map[string]any{}
	var argsData map[string]any
	envApplied := false

	for _, l := range r.layers {
		if l.priority == priorityArgs {
			argsData = l.data
			continue
		}
		if !envApplied && l.priority > priorityFile {
			merged = applyEnvOverrides(merged, serviceType, variant)
			envApplied = true
		}
		merged = deepMerge(merged, extractInstance(l.data, serviceType, variant, r.logger))
	}

	if !envApplied {
		merged = applyEnvOverrides(merged, serviceType, variant)
	}

	if argsData != nil {
		merged = deepMerge(merged, extractInstance(argsData, serviceType, variant, r.logger))
		// Args given as a flat map (typical CLI overrides) apply directly.
		flat := map[string]any{}
		for k, v := range argsData {
			if _, reserved := reservedKeys[k]; reserved {
				continue
			}
			if _, isMap := v.(map[string]any); !isMap {
				flat[k] = v
			}
		}
		merged = deepMerge(merged, flat)
	}
	return merged
}

var reservedKeys = map[string]struct{}{
	"services": {},
	"registry": {},
	"bus":      {},
	"launcher": {},
	"notify":   {},
}

func extractInstance(data map[string]any, serviceType, variant string, logger zerolog.Logger) map[string]any {
	out := map[string]any{}
	for k, v := range data {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}

	services, ok := data["services"].([]any)
	if !ok {
		return out
	}
	for _, item := range services {
		entry, ok := toStringMap(item)
		if !ok {
			continue
		}
		if entryType, _ := entry["type"].(string); entryType != serviceType {
			continue
		}
		entryVariant := entryVariant(entry, logger)
		if entryVariant != "" && entryVariant != variant {
			continue
		}
		out = deepMerge(out, entry)
	}
	return out
}

// entryVariant reads the variant of a services entry, accepting the
// deprecated instance_context spelling with a warning.
func entryVariant(entry map[string]any, logger zerolog.Logger) string {
	if v, ok := entry["variant"].(string); ok {
		return v
	}
	if v, ok := entry["instance_context"].(string); ok {
		logger.Warn().Str("variant", v).
			Msg("'instance_context' is deprecated, use 'variant'")
		return v
	}
	return ""
}

// applyEnvOverrides folds {TYPE}_{VARIANT}_{FIELD} and {TYPE}_{FIELD}
// environment variables into the map. Names are uppercased with dots
// replaced by underscores; the more specific form wins.
func applyEnvOverrides(merged map[string]any, serviceType, variant string) map[string]any {
	typePrefix := envKey(serviceType) + "_"
	variantPrefix := envKey(serviceType) + "_" + envKey(variant) + "_"

	typeVals := map[string]any{}
	variantVals := map[string]any{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(name, variantPrefix):
			field := strings.ToLower(strings.TrimPrefix(name, variantPrefix))
			if field != "" {
				variantVals[field] = retype(value)
			}
		case strings.HasPrefix(name, typePrefix):
			field := strings.ToLower(strings.TrimPrefix(name, typePrefix))
			if field != "" {
				typeVals[field] = retype(value)
			}
		}
	}

	merged = deepMerge(merged, typeVals)
	return deepMerge(merged, variantVals)
}

func envKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, ".", "_"))
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func deepMerge(base, update map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range update {
		if existing, ok := result[k].(map[string]any); ok {
			if updateMap, ok := toStringMap(v); ok {
				result[k] = deepMerge(existing, updateMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// toStringMap normalizes the two map shapes yaml.v3 can produce.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = val
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
