package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const rcFile = ".snapfuzzrc"

// FindRC walks up from startDir looking for a .snapfuzzrc file.
// Returns the path to the file if found, or empty string and nil if not found.
func FindRC(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	for {
		candidate := filepath.Join(dir, rcFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return "", nil
		}
		dir = parent
	}
}

// ReadRC reads the target name from a .snapfuzzrc file. The file is
// expected to contain just the target name (optionally with whitespace).
func ReadRC(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading .snapfuzzrc: %w", err)
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", fmt.Errorf(".snapfuzzrc is empty: %s", path)
	}
	return target, nil
}

// WriteRC writes a target name to a .snapfuzzrc file in the given directory.
func WriteRC(dir, target string) error {
	path := filepath.Join(dir, rcFile)
	return os.WriteFile(path, []byte(target+"\n"), 0o644)
}
