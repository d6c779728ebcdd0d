package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Writer persists a full document snapshot. Each call replaces whatever the
// previous call wrote.
type Writer interface {
	Name() string
	Write(ctx context.Context, doc Document) error
}

// PersistenceError reports a save that could not complete. The in-memory
// records are untouched when it is returned.
type PersistenceError struct {
	Target string // writer name or path
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FileWriter writes the JSON document to Path through a temp file in the
// same directory followed by a rename, so readers never see a torn file.
type FileWriter struct {
	Path string
	Perm os.FileMode // defaults to 0o644
}

func NewFileWriter(path string) *FileWriter { return &FileWriter{Path: path} }

func (w *FileWriter) Name() string { return "file:" + w.Path }

func (w *FileWriter) Write(_ context.Context, doc Document) error {
	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := doc.Encode(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, w.Path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// ReadFile loads a persisted document from path.
func ReadFile(path string) (Document, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}
