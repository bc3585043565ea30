package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
)

func parseID(what, raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer, got %q", what, raw)
	}
	return id, nil
}

// parseEmbedding accepts numbers separated by commas and/or spaces,
// optionally wrapped in brackets.
func parseEmbedding(raw string) ([]float32, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, errors.New("embedding is empty")
	}
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("embedding value %d: %q is not a number", i, f)
		}
		out[i] = float32(v)
	}
	return out, nil
}

type importEntry struct {
	ID        uint64    `json:"id" yaml:"id"`
	Embedding []float32 `json:"embedding" yaml:"embedding"`
}

type importFile struct {
	Entries []importEntry `json:"entries" yaml:"entries"`
}

func parseImportFile(path string, data []byte) ([]importEntry, error) {
	unmarshal := func(b []byte, v any) error { return yaml.Unmarshal(b, v) }
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}

	var entries []importEntry
	if err := unmarshal(data, &entries); err != nil {
		var wrapped importFile
		if err2 := unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse import file %s: %w", path, err2)
		}
		entries = wrapped.Entries
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("import file %s lists no entries", path)
	}
	for i, e := range entries {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("import file %s: entry #%d (id %d) has no embedding", path, i+1, e.ID)
		}
	}
	return entries, nil
}
