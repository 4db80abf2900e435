// Package dotenv resolves which .env file applies to a run and loads
// it into the process environment. Resolution happens again before
// every dispatch and notification send, so edits take effect without a
// restart.
package dotenv

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Resolve returns the .env file the runner would load for a config
// directory: the config dir itself first, then the working directory,
// then the nearest ancestor of the working directory that has one.
// Empty when no candidate exists.
func Resolve(configDir string) string {
	var candidates []string
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, ".env"))
	}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, ".env"))
		dir := filepath.Dir(wd)
		for {
			candidates = append(candidates, filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Apply loads the resolved file, overriding current process values the
// way the runner always has. Returns the file applied, empty when none
// was found.
func Apply(configDir string) (string, error) {
	path := Resolve(configDir)
	if path == "" {
		return "", nil
	}
	if err := godotenv.Overload(path); err != nil {
		return path, fmt.Errorf("load %s: %w", path, err)
	}
	return path, nil
}
