package snapshot

import (
	"os"
	"path/filepath"

	"github.com/snapfuzz/snapfuzz/internal/fshooks"
)

// LoadGuestFiles builds a guest-file table from dir (spec.md §6's
// guest-files/ snapshot directory), declaring one Exists file per
// regular file found, keyed by its path relative to dir with a leading
// slash (the virtual path the guest's NT-API hooks look up). A missing
// or empty dir yields an empty table rather than an error: filesystem
// emulation is an illustrative collaborator a snapshot may simply not
// use.
func LoadGuestFiles(dir string) (*fshooks.Table, error) {
	table := fshooks.NewTable(nil)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return table, nil
	}
	if err != nil {
		return nil, err
	}

	var walk func(sub string) error
	walk = func(sub string) error {
		full := filepath.Join(dir, sub)
		children, err := os.ReadDir(full)
		if err != nil {
			return err
		}
		for _, c := range children {
			rel := filepath.Join(sub, c.Name())
			if c.IsDir() {
				if err := walk(rel); err != nil {
					return err
				}
				continue
			}
			contents, err := os.ReadFile(filepath.Join(dir, rel))
			if err != nil {
				return err
			}
			virtPath := "/" + filepath.ToSlash(rel)
			table.Declare(virtPath, fshooks.NewFile(contents, true, false))
		}
		return nil
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if err := walk(name); err != nil {
				return nil, err
			}
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		table.Declare("/"+name, fshooks.NewFile(contents, true, false))
	}

	return table, nil
}
