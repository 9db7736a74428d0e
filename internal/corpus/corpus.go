// Package corpus holds the master's in-memory seed pool and its on-disk
// persistence under a snapshot's inputs/ and outputs/ directories, plus
// the crashes/ directory for unique crashing inputs. Grounded on
// internal/vm/vm.go's VMPaths-relative file layout conventions, generalized
// from "one file per VM version" to "one file per corpus/crash entry",
// and on spec.md §4.7's master scheduling loop (persist-on-new-coverage,
// persist-on-unique-crash).
package corpus

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the lowercase hex blake3 digest of data, the naming
// scheme spec.md §4.7/§6 uses for both outputs/ and crashes/ filenames.
func Fingerprint(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is one corpus member: its bytes plus the fingerprint used as its
// on-disk name, computed once at insertion time.
type Entry struct {
	Bytes       []byte
	Fingerprint string
}

// Corpus is the master's in-memory seed pool. Every method takes mu, so
// the master's per-connection goroutines can share one Corpus.
type Corpus struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]struct{}
	rng     *rand.Rand
}

// New returns an empty corpus seeded with seedSource for deterministic
// seed selection in tests; production callers should pass a source seeded
// from a real entropy source once at master startup.
func New(seedSource rand.Source) *Corpus {
	return &Corpus{
		seen: make(map[string]struct{}),
		rng:  rand.New(seedSource),
	}
}

// Add inserts data into the corpus if its fingerprint hasn't been seen
// before, returning the Entry and whether it was newly added.
func (c *Corpus) Add(data []byte) (Entry, bool) {
	fp := Fingerprint(data)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[fp]; dup {
		return Entry{}, false
	}
	entry := Entry{Bytes: append([]byte(nil), data...), Fingerprint: fp}
	c.entries = append(c.entries, entry)
	c.seen[fp] = struct{}{}
	return entry, true
}

// Len reports how many entries the corpus currently holds.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Select returns a uniformly random corpus entry, the seed the master's
// scheduling loop mutates each round. It panics if the corpus is empty —
// callers must seed from inputs/ before starting the scheduling loop.
func (c *Corpus) Select() Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		panic("corpus: Select called on an empty corpus")
	}
	return c.entries[c.rng.Intn(len(c.entries))]
}

// LoadDir reads every regular file in dir as an initial corpus entry,
// used both for the inputs/ seed directory at startup and for resuming
// from a prior run's outputs/ directory.
func LoadDir(c *Corpus, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("corpus: listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("corpus: reading %s: %w", path, err)
		}
		c.Add(data)
	}
	return nil
}

// Persist writes entry to dir under its fingerprint, skipping the write if
// the file already exists (spec.md §4.7 step 4: "only if not already
// present" applies identically to crashes/, and is harmless-but-redundant
// for outputs/).
func Persist(dir string, entry Entry) error {
	path := filepath.Join(dir, entry.Fingerprint)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, entry.Bytes, 0o644); err != nil {
		return fmt.Errorf("corpus: writing %s: %w", path, err)
	}
	return nil
}

// CrashName builds the "crash-<name>-<fingerprint>" filename spec.md §6
// uses for the crashes/ directory; name is an NT-status-style exception
// name such as backend.ExceptionName produces.
func CrashName(exceptionName string, entry Entry) string {
	return fmt.Sprintf("crash-%s-%s", exceptionName, entry.Fingerprint)
}

// PersistCrash writes entry to dir under CrashName(exceptionName, entry),
// skipping the write if that name is already present.
func PersistCrash(dir, exceptionName string, entry Entry) error {
	path := filepath.Join(dir, CrashName(exceptionName, entry))
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, entry.Bytes, 0o644); err != nil {
		return fmt.Errorf("corpus: writing crash %s: %w", path, err)
	}
	return nil
}
