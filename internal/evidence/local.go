package evidence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"habitquest/api/internal/util"
)

// Local stores evidence on the local filesystem under a single uploads
// directory. It is the default backend when MinIO is not configured.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Save(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	ref := util.NewID("ev") + sanitizedExt(name)
	path := filepath.Join(l.dir, ref)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create evidence file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write evidence file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close evidence file: %w", err)
	}
	return ref, nil
}

func (l *Local) Read(_ context.Context, ref string) ([]byte, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read evidence file: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete evidence file: %w", err)
	}
	return nil
}

// resolve rejects references that would escape the uploads directory.
func (l *Local) resolve(ref string) (string, error) {
	if ref == "" || strings.Contains(ref, "/") || strings.Contains(ref, "..") {
		return "", ErrNotFound
	}
	return filepath.Join(l.dir, ref), nil
}

func sanitizedExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return ext
	default:
		return ""
	}
}
