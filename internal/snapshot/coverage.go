package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/snapfuzz/snapfuzz/internal/addr"
)

// covFile mirrors a single coverage/*.cov JSON document: a module name and
// the RVAs within it that count as basic-block coverage sites.
type covFile struct {
	Name      string   `json:"name"`
	Addresses []uint64 `json:"addresses"`
}

// LoadCoverageIDs reads every coverage/*.cov file in dir, resolves each
// module name against symbols (symbol-store.json must carry a base address
// per module name referenced by a .cov file), and returns the flattened,
// deduplicated, deterministically-ordered Gva list backend.Initialize wants
// for covIDs. Deterministic ordering keeps breakpoint-install order (and
// thus any log/trace output referencing install order) reproducible across
// runs of the same snapshot.
func LoadCoverageIDs(dir string, symbols SymbolStore) ([]addr.Gva, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing coverage dir %s: %w", dir, err)
	}

	seen := make(map[addr.Gva]struct{})
	var ids []addr.Gva
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".cov" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot: reading %s: %w", path, err)
		}
		var cf covFile
		if err := json.Unmarshal(raw, &cf); err != nil {
			return nil, fmt.Errorf("snapshot: parsing %s: %w", path, err)
		}
		base, err := symbols.Resolve(cf.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot: resolving module base for %s: %w", path, err)
		}
		for _, rva := range cf.Addresses {
			gva := addr.Gva(base + rva)
			if _, dup := seen[gva]; dup {
				continue
			}
			seen[gva] = struct{}{}
			ids = append(ids, gva)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
