package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var envTokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv recursively replaces ${NAME} tokens in string scalars with the
// value of the environment variable NAME. A scalar that is exactly one token
// is re-typed when the resolved value parses as int, float or bool; mixed
// tokens stay strings. Undefined names keep the literal placeholder and log
// a warning.
func expandEnv(value any, logger zerolog.Logger) any {
	switch v := value.(type) {
	case string:
		return expandEnvString(v, logger)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = expandEnv(item, logger)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = expandEnv(item, logger)
		}
		return out
	default:
		return value
	}
}

func expandEnvString(value string, logger zerolog.Logger) any {
	if m := envTokenPattern.FindStringSubmatch(value); m != nil && m[0] == value {
		resolved, ok := os.LookupEnv(m[1])
		if !ok {
			logger.Warn().Str("var", m[1]).Msg("environment variable not set, keeping placeholder")
			return value
		}
		return retype(resolved)
	}

	return envTokenPattern.ReplaceAllStringFunc(value, func(token string) string {
		name := token[2 : len(token)-1]
		resolved, ok := os.LookupEnv(name)
		if !ok {
			logger.Warn().Str("var", name).Msg("environment variable not set, keeping placeholder")
			return token
		}
		return resolved
	})
}

// retype converts a string to int, float or bool when it parses as one.
func retype(value string) any {
	trimmed := strings.TrimSpace(value)
	if i, err := strconv.Atoi(trimmed); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return value
}
