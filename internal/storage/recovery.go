package storage

import (
	"cmp"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	indexDirPrefix  = "index-"
	tombstoneSuffix = ".deleted"
)

// IndexDir is the directory holding the files of index id under root.
func IndexDir(root string, id uint64) string {
	return filepath.Join(root, indexDirPrefix+strconv.FormatUint(id, 10))
}

func parseIndexDirName(name string) (uint64, bool) {
	raw, ok := strings.CutPrefix(name, indexDirPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ReadAll reopens every index persisted under root, in ascending id order.
// Directories that do not look like an index are skipped with a warning;
// an index whose files cannot be decoded fails the whole recovery.
func ReadAll(root string) ([]*VectorStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var stores []*VectorStore
	closeAll := func() {
		for _, vs := range stores {
			_ = vs.Close()
		}
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if strings.HasSuffix(de.Name(), tombstoneSuffix) {
			path := filepath.Join(root, de.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Printf("WARN storage: remove deleted index files path=%s err=%v", path, err)
			} else {
				log.Printf("INFO storage: removed files of deleted index path=%s", path)
			}
			continue
		}
		id, ok := parseIndexDirName(de.Name())
		if !ok {
			log.Printf("WARN storage: skipping unrecognized directory path=%s", filepath.Join(root, de.Name()))
			continue
		}

		dir := filepath.Join(root, de.Name())
		vs, err := Open(dir)
		if err != nil {
			if isNotExist(err) {
				log.Printf("WARN storage: skipping index directory without metadata path=%s", dir)
				continue
			}
			closeAll()
			return nil, fmt.Errorf("load index %d: %w", id, err)
		}
		if vs.meta.ID != id {
			closeAll()
			_ = vs.Close()
			return nil, fmt.Errorf("load index %d: metadata id %d does not match directory", id, vs.meta.ID)
		}
		if got := uint64(vs.Count()); got != vs.meta.Count {
			log.Printf("WARN storage: entry count differs from metadata index=%d meta_count=%d log_count=%d", id, vs.meta.Count, got)
		}
		stores = append(stores, vs)
	}

	slices.SortFunc(stores, func(a, b *VectorStore) int {
		return cmp.Compare(a.meta.ID, b.meta.ID)
	})
	return stores, nil
}

// RemoveIndexFiles deletes everything persisted for index id, including a
// tombstone left by an interrupted delete.
func RemoveIndexFiles(root string, id uint64) error {
	dir := IndexDir(root, id)
	for _, path := range []string{dir, dir + tombstoneSuffix} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove index %d files: %w", id, err)
		}
	}
	return nil
}
