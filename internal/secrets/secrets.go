// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads provider API keys. Keys come from a directory of
// plain-text files (the filename is the key name, the trimmed contents the
// value), from a dotenv file, and from *_API_KEY environment variables.
// Environment-style names map to key names by lowercasing and replacing
// underscores with dashes, so OPENAI_API_KEY becomes openai-api-key.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory or missing files are not errors; Load returns an empty map.
// Unreadable files are logged and skipped.
func Load(dir string, logger *zap.Logger) (map[string]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("could not read secret", zap.String("name", name), zap.Error(err))
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			secrets[name] = value
		}
	}

	return secrets, nil
}

// LoadEnv reads a dotenv file. A missing file yields an empty map.
func LoadEnv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading env file %s: %w", path, err)
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if v = strings.TrimSpace(v); v != "" {
			out[KeyName(k)] = v
		}
	}
	return out, nil
}

// FromEnviron returns the *_API_KEY variables of environ (os.Environ form).
func FromEnviron(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(k, "_API_KEY") {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			out[KeyName(k)] = v
		}
	}
	return out
}

// KeyName converts an environment variable name to a key name.
func KeyName(env string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(env)), "_", "-")
}

// Collect merges every source. The secrets directory wins over the dotenv
// file, which wins over the process environment.
func Collect(dir, envFile string, logger *zap.Logger) (map[string]string, error) {
	out := FromEnviron(os.Environ())
	if envFile != "" {
		env, err := LoadEnv(envFile)
		if err != nil {
			return nil, err
		}
		for k, v := range env {
			out[k] = v
		}
	}
	files, err := Load(dir, logger)
	if err != nil {
		return nil, err
	}
	for k, v := range files {
		out[k] = v
	}
	return out, nil
}
