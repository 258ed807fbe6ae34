package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/mcpway/mcpway/internal/runtime"
)

// EnvPrefix namespaces the environment variables viper binds. The CLI reads
// only the port key through viper, from PORT (bare, matching the conventions
// of container platforms) or MCPWAY_PORT.
const EnvPrefix = "MCPWAY"

// InitViper wires environment fallbacks for the CLI flags.
func InitViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "PORT", "MCPWAY_PORT")
}

// ParseHeaders folds repeated --header K:V flags (plus the --oauth2-bearer
// shorthand) into an ordered header set. Empty keys are rejected.
func ParseHeaders(values []string, oauth2Bearer string) (runtime.Headers, error) {
	var headers runtime.Headers
	for _, raw := range values {
		key, value, found := strings.Cut(raw, ":")
		if !found {
			return runtime.Headers{}, fmt.Errorf("invalid --header %q: expected K:V", raw)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := headers.Set(key, value); err != nil {
			return runtime.Headers{}, fmt.Errorf("invalid --header %q: %w", raw, err)
		}
	}
	if oauth2Bearer != "" {
		if err := headers.Set("Authorization", "Bearer "+oauth2Bearer); err != nil {
			return runtime.Headers{}, err
		}
	}
	return headers, nil
}

// ParseEnvValues folds repeated --env K=V flags into a map. Entries without
// '=' are ignored, matching lenient CLI behavior.
func ParseEnvValues(values []string) map[string]string {
	env := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// ParseCORS interprets the --cors flag value: the flag being absent disables
// CORS; an empty value or "*" allows all origins; anything else is an
// allow-list entry.
func ParseCORS(present bool, values []string) CORSConfig {
	if !present {
		return CORSConfig{}
	}
	cfg := CORSConfig{Enabled: true}
	for _, v := range values {
		if v == "" || v == "*" {
			cfg.AllowAll = true
			continue
		}
		cfg.Origins = append(cfg.Origins, v)
	}
	if len(cfg.Origins) == 0 {
		cfg.AllowAll = true
	}
	return cfg
}
