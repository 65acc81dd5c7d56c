package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DirClient serves each named query from <Dir>/<name>.json or
// <Dir>/<name>.yaml. A missing file yields no rows.
type DirClient struct {
	Dir string
}

func (c DirClient) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(q, err)
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(c.Dir, q.Name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, unavailable(q, err)
		}
		rows, err := decodeRows(ext, data)
		if err != nil {
			return nil, unavailable(q, fmt.Errorf("%s: %w", path, err))
		}
		return rows, nil
	}
	return nil, nil
}

func decodeRows(ext string, data []byte) ([]Row, error) {
	var raw []map[string]any
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, Row(r))
	}
	return rows, nil
}
