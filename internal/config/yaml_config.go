package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// KnownKeys enumerates every key `caravan config set` accepts. Keeping
// the set closed catches typos like "sync.concurency" before they land
// in config.yaml and silently do nothing.
var KnownKeys = map[string]bool{
	"server-url": true,
	"actor":      true,
	"db":         true,
	"no-daemon":  true,

	"request-timeout": true,
	"lease-timeout":   true,
	"max-retries":     true,

	"sync.concurrency":  true,
	"sync.backoff-base": true,
	"sync.backoff-max":  true,

	"optimistic.max-retries":   true,
	"optimistic.confirmed-ttl": true,

	"conflict.archive-days":           true,
	"conflict.concurrent-edit-window": true,
}

// IsKnownKey reports whether key is a recognized configuration key.
func IsKnownKey(key string) bool {
	return KnownKeys[key]
}

// KnownKeyList returns the recognized keys in sorted order, for help
// text and error messages.
func KnownKeyList() []string {
	keys := make([]string, 0, len(KnownKeys))
	for k := range KnownKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetYamlConfig sets a configuration value in the project's config.yaml
// file. It handles both adding new keys and updating existing (possibly
// commented) keys.
func SetYamlConfig(key, value string) error {
	configPath, err := findProjectConfigFile()
	if err != nil {
		return err
	}
	if strings.HasSuffix(configPath, ".toml") {
		return fmt.Errorf("this workspace uses config.toml; edit %s directly", configPath)
	}

	content, err := os.ReadFile(configPath) //nolint:gosec // configPath is from findProjectConfigFile
	if err != nil {
		return fmt.Errorf("failed to read config.yaml: %w", err)
	}

	newContent, err := updateYamlKey(string(content), key, value)
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, []byte(newContent), 0600); err != nil { //nolint:gosec // configPath is validated
		return fmt.Errorf("failed to write config.yaml: %w", err)
	}

	return nil
}

// GetYamlConfig gets a configuration value from config.yaml.
// Returns empty string if key is not found or is commented out.
func GetYamlConfig(key string) string {
	return GetString(key)
}

// updateYamlKey updates a key in yaml content, handling commented-out
// keys. If the key exists (commented or not), it updates it in place,
// preserving indentation. If the key doesn't exist, it appends it at the
// end.
//
//nolint:unparam // error return kept for future validation
func updateYamlKey(content, key, value string) (string, error) {
	formattedValue := formatYamlValue(value)
	newLine := fmt.Sprintf("%s: %s", key, formattedValue)

	// Matches: "key: value" or "# key: value" with optional leading whitespace
	keyPattern := regexp.MustCompile(`^(\s*)(#\s*)?` + regexp.QuoteMeta(key) + `\s*:`)

	found := false
	var result []string

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if keyPattern.MatchString(line) {
			matches := keyPattern.FindStringSubmatch(line)
			indent := ""
			if len(matches) > 1 {
				indent = matches[1]
			}
			result = append(result, indent+newLine)
			found = true
		} else {
			result = append(result, line)
		}
	}

	if !found {
		if len(result) > 0 && result[len(result)-1] != "" {
			result = append(result, "")
		}
		result = append(result, newLine)
	}

	return strings.Join(result, "\n"), nil
}

// formatYamlValue formats a value appropriately for YAML.
func formatYamlValue(value string) string {
	lower := strings.ToLower(value)
	if lower == "true" || lower == "false" {
		return lower
	}

	if isNumeric(value) {
		return value
	}

	// Duration values (like "30s", "500ms") pass through unquoted
	if isDuration(value) {
		return value
	}

	if needsQuoting(value) {
		return fmt.Sprintf("%q", value)
	}

	return value
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '-' && i == 0 {
			continue
		}
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isDuration(s string) bool {
	if len(s) < 2 {
		return false
	}
	for _, suffix := range []string{"ms", "s", "m", "h"} {
		if strings.HasSuffix(s, suffix) && isNumeric(strings.TrimSuffix(s, suffix)) {
			return true
		}
	}
	return false
}

func needsQuoting(s string) bool {
	special := []string{":", "#", "[", "]", "{", "}", ",", "&", "*", "!", "|", ">", "'", "\"", "%", "@", "`"}
	for _, c := range special {
		if strings.Contains(s, c) {
			return true
		}
	}
	if strings.TrimSpace(s) != s {
		return true
	}
	return false
}
