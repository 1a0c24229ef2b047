package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Restart policies accepted in the services file.
const (
	RestartNo         = "no"
	RestartOnFailure  = "on-failure"
	RestartOnAbnormal = "on-abnormal"
	RestartAlways     = "always"
)

// Framework defaults for the supervision keys.
const (
	DefaultRestartSec    = 5.0
	DefaultRestartMax    = 0
	DefaultRestartWindow = 60.0
)

// InternalModulePrefix is the conventional namespace for service types
// hosted by the bundled standalone entry. A registry value of "~" (or a
// missing entry) resolves to this fallback.
const InternalModulePrefix = "ocabox_tcs.services."

// ServiceEntry is one declared service instance from the services list.
// Fields carries everything beyond the framework keys, handed to the
// service through its config schema.
type ServiceEntry struct {
	Type          string
	Variant       string
	Module        string
	Restart       string
	RestartSec    float64
	RestartMax    int
	RestartWindow float64
	LogLevel      string
	Enabled       bool
	Fields        map[string]any
}

// ServiceID returns "{type}.{variant}".
func (e ServiceEntry) ServiceID() string {
	return e.Type + "." + e.Variant
}

// IsInternal reports whether the module path points into the conventional
// internal namespace, meaning the service runs from the bundled entry.
func (e ServiceEntry) IsInternal() bool {
	return strings.HasPrefix(e.Module, InternalModulePrefix)
}

// Services parses the declared service list, applying framework-key
// defaults, variant validation and registry module resolution.
func (r *Resolver) Services() ([]ServiceEntry, error) {
	raw := r.Raw()
	list, ok := raw["services"].([]any)
	if !ok {
		if _, present := raw["services"]; present {
			return nil, fmt.Errorf("%w: 'services' must be a list", ErrConfig)
		}
		return nil, nil
	}

	registry := registryMap(raw)

	var entries []ServiceEntry
	for i, item := range list {
		entry, ok := toStringMap(item)
		if !ok {
			return nil, fmt.Errorf("%w: services[%d] is not a mapping", ErrConfig, i)
		}
		parsed, err := parseServiceEntry(entry, registry, r.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: services[%d]: %v", ErrConfig, i, err)
		}
		entries = append(entries, parsed)
	}
	return entries, nil
}

func registryMap(raw map[string]any) map[string]string {
	out := map[string]string{}
	section, ok := toStringMap(raw["registry"])
	if !ok {
		return out
	}
	for k, v := range section {
		switch path := v.(type) {
		case string:
			out[k] = path
		case nil:
			out[k] = "~"
		}
	}
	return out
}

func parseServiceEntry(entry map[string]any, registry map[string]string, logger zerolog.Logger) (ServiceEntry, error) {
	parsed := ServiceEntry{
		Restart:       RestartNo,
		RestartSec:    DefaultRestartSec,
		RestartMax:    DefaultRestartMax,
		RestartWindow: DefaultRestartWindow,
		Enabled:       true,
		Fields:        map[string]any{},
	}

	serviceType, _ := entry["type"].(string)
	if serviceType == "" {
		return parsed, fmt.Errorf("missing 'type'")
	}
	parsed.Type = serviceType

	variant := entryVariant(entry, logger)
	if variant == "" {
		variant = "default"
	}
	if strings.Contains(variant, ".") {
		return parsed, fmt.Errorf("variant %q must not contain '.'", variant)
	}
	parsed.Variant = variant

	parsed.Module = ResolveModule(serviceType, registry)

	for key, value := range entry {
		switch key {
		case "type", "variant", "instance_context":
		case "restart":
			policy, _ := value.(string)
			switch policy {
			case RestartNo, RestartOnFailure, RestartOnAbnormal, RestartAlways:
				parsed.Restart = policy
			default:
				return parsed, fmt.Errorf("invalid restart policy %q", value)
			}
		case "restart_sec":
			sec, ok := asFloat(value)
			if !ok || sec < 0 {
				return parsed, fmt.Errorf("restart_sec must be a number >= 0")
			}
			parsed.RestartSec = sec
		case "restart_max":
			max, ok := asInt(value)
			if !ok || max < 0 {
				return parsed, fmt.Errorf("restart_max must be an integer >= 0")
			}
			parsed.RestartMax = max
		case "restart_window":
			window, ok := asFloat(value)
			if !ok || window <= 0 {
				return parsed, fmt.Errorf("restart_window must be a number > 0")
			}
			parsed.RestartWindow = window
		case "log_level":
			parsed.LogLevel, _ = value.(string)
		case "enabled":
			if b, ok := value.(bool); ok {
				parsed.Enabled = b
			}
		case "module":
			if m, ok := value.(string); ok && m != "" {
				parsed.Module = m
			}
		default:
			parsed.Fields[key] = value
		}
	}
	return parsed, nil
}

// ResolveModule maps a service type to its module path through the optional
// top-level registry section. "~" and absent entries resolve to the
// conventional internal namespace.
func ResolveModule(serviceType string, registry map[string]string) string {
	path, ok := registry[serviceType]
	if !ok || path == "~" || path == "" {
		return InternalModulePrefix + serviceType
	}
	return path
}
