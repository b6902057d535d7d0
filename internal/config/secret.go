package config

import (
	"fmt"
	"os"
	"strings"
)

const envSecretRefPrefix = "env://"

// ResolveSecretRef resolves a secret reference using process environment lookup.
// Supported reference forms are "env://VARIABLE_NAME" and "VARIABLE_NAME".
func ResolveSecretRef(ref string) (string, error) {
	return ResolveSecretRefWithLookup(ref, os.LookupEnv)
}

// ResolveSecretRefWithLookup resolves a secret reference using the supplied lookup function.
func ResolveSecretRefWithLookup(ref string, lookup func(string) (string, bool)) (string, error) {
	name, err := parseSecretRefName(ref)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		return "", fmt.Errorf("secret lookup function is required")
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret_ref %q resolved empty value", name)
	}
	return value, nil
}

// RedactSecret returns a deterministic redacted marker for non-empty secret material.
func RedactSecret(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func parseSecretRefName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("secret_ref is required")
	}
	if strings.HasPrefix(trimmed, envSecretRefPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, envSecretRefPrefix))
		if name == "" {
			return "", fmt.Errorf("secret_ref %q is missing env var name", ref)
		}
		if strings.Contains(name, "/") {
			return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
		}
		return name, nil
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("secret_ref %q uses unsupported scheme", ref)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
	}
	return trimmed, nil
}

// resolveOptional leaves dst untouched when ref is empty.
func resolveOptional(field, ref string, dst *string, lookup func(string) (string, bool)) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	value, err := ResolveSecretRefWithLookup(ref, lookup)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = value
	return nil
}
