package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSink writes each snapshot as <dir>/<name> with its metadata beside it
// in <name>.json.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Kind() string { return "file" }

func (s *FileSink) Store(ctx context.Context, meta Meta, data []byte) (string, error) {
	if err := checkRef(meta.Name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, meta.Name), data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, meta.Name+".json"), metaJSON); err != nil {
		return "", err
	}
	return meta.Name, nil
}

func (s *FileSink) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileSink) List(ctx context.Context, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	type item struct {
		name string
		mod  int64
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{e.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].mod != items[j].mod {
			return items[i].mod > items[j].mod
		}
		return items[i].name > items[j].name
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out, nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial JPEG.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snap-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
