package config

import (
	"fmt"
	"os"
	"strings"
)

type VariableResolver interface {
	ResolveValue(value string) (string, error)
}

type environmentVariableResolver struct {
	env map[string]string
}

// NewEnvironmentVariableResolver resolves values of the form $NAME or
// ${NAME} against env (KEY=VALUE pairs). Other values are returned as is.
func NewEnvironmentVariableResolver(env []string) VariableResolver {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	return &environmentVariableResolver{env: m}
}

func (r *environmentVariableResolver) ResolveValue(value string) (string, error) {
	if !strings.Contains(value, "$") {
		return value, nil
	}
	var missing []string
	resolved := os.Expand(value, func(name string) string {
		v, ok := r.env[name]
		if !ok || v == "" {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %q not set", missing[0])
	}
	return resolved, nil
}
