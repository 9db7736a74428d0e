package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ResolveTarget determines which fuzzing target (a named snapshot
// directory under ~/.snapfuzz/targets/) to use. Precedence:
//  1. flagTarget (from --target)
//  2. envTarget (from SNAPFUZZ_TARGET)
//  3. .snapfuzzrc walk-up from cwd
//  4. config.toml default_target
//  5. the most recently modified target directory
func ResolveTarget(flagTarget, envTarget string) (string, error) {
	if flagTarget != "" {
		return flagTarget, nil
	}

	if envTarget != "" {
		return envTarget, nil
	}

	cwd, err := os.Getwd()
	if err == nil {
		if rcPath, err := FindRC(cwd); err == nil && rcPath != "" {
			if target, err := ReadRC(rcPath); err == nil {
				return target, nil
			}
		}
	}

	cfg, err := Load()
	if err == nil && cfg.DefaultTarget != "" {
		return cfg.DefaultTarget, nil
	}

	target, err := mostRecentTarget()
	if err == nil {
		return target, nil
	}

	return "", fmt.Errorf("no fuzzing target configured; use --target, set SNAPFUZZ_TARGET, create .snapfuzzrc, or set default_target in config.toml")
}

// mostRecentTarget scans ~/.snapfuzz/targets/ and returns the most
// recently modified directory name.
func mostRecentTarget() (string, error) {
	targetsDir := filepath.Join(Home(), "targets")
	entries, err := os.ReadDir(targetsDir)
	if err != nil {
		return "", err
	}

	type candidate struct {
		name    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime().Unix()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no targets found in %s", targetsDir)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime < candidates[j].modTime })
	return candidates[len(candidates)-1].name, nil
}
