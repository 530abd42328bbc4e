package vecstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/evermem/evermem/pkg/storage"
)

// SaveSnapshot writes the HNSW index to the given file store path.
// The write is atomic from the reader's perspective only if the underlying
// store makes it so; local stores truncate in place.
func SaveSnapshot(ctx context.Context, h *HNSW, store storage.FileStore, path string) error {
	w, err := store.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("vecstore: snapshot open %s: %w", path, err)
	}
	if err := h.Save(w); err != nil {
		w.Close()
		return fmt.Errorf("vecstore: snapshot write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("vecstore: snapshot close %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads an HNSW index from the given file store path.
// Returns fs.ErrNotExist (wrapped) if no snapshot is present.
func LoadSnapshot(ctx context.Context, store storage.FileStore, path string) (*HNSW, error) {
	r, err := store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vecstore: snapshot open %s: %w", path, err)
	}
	defer r.Close()
	h, err := LoadHNSW(r)
	if err != nil {
		return nil, fmt.Errorf("vecstore: snapshot load %s: %w", path, err)
	}
	return h, nil
}

// LoadOrNewHNSW restores an index from a snapshot if one exists, or creates
// an empty index with cfg otherwise. A snapshot with a different dimension
// than cfg.Dim is an error.
func LoadOrNewHNSW(ctx context.Context, store storage.FileStore, path string, cfg HNSWConfig) (*HNSW, error) {
	h, err := LoadSnapshot(ctx, store, path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewHNSW(cfg), nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.Dim > 0 && h.cfg.Dim != cfg.Dim {
		return nil, fmt.Errorf("vecstore: snapshot dimension %d does not match configured %d", h.cfg.Dim, cfg.Dim)
	}
	return h, nil
}
