package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

// Environ builds the subprocess environment: the daemon's own environment,
// overlaid with env_file entries, overlaid with the env map.
func (c *Config) Environ() ([]string, error) {
	c.mu.RLock()
	envFile := c.EnvFile
	overrides := maps.Clone(c.Env)
	base := c.filePath
	c.mu.RUnlock()

	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}

	if envFile != "" {
		if !filepath.IsAbs(envFile) && base != "" {
			envFile = filepath.Join(filepath.Dir(base), envFile)
		}
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		maps.Copy(merged, fileEnv)
	}
	maps.Copy(merged, overrides)

	env := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}
