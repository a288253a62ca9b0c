package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
)

// FileMirror keeps one JSON document per transaction in a directory.
// Writes go to a temp file that is synced and renamed into place.
type FileMirror struct {
	dir string
}

func NewFileMirror(dir string) (*FileMirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &FileMirror{dir: dir}, nil
}

func (m *FileMirror) Save(ctx context.Context, tx models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.path(tx.InternalReference)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".tx-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func (m *FileMirror) LoadAll(ctx context.Context) ([]models.Transaction, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]models.Transaction, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var tx models.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (m *FileMirror) path(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, `/\`) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("unsafe reference %q for file mirror", ref)
	}
	return filepath.Join(m.dir, ref+".json"), nil
}
