// Package images stores plate-capture frames on local disk. Both services
// use it: gates park captures next to the lane until upload, the cloud keeps
// the authoritative copies under IMAGES_DIR and serves them statically.
package images

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/parkgrid/parking/internal/fault"
)

// Kinds of captures.
const (
	KindIn  = "in"
	KindOut = "out"
)

// LocalPrefix marks a capture path that exists only on the gate that took
// it. Queued events carry "local:in/PLATE_1714550400.jpg" until the drainer
// manages to upload the file and swap in the cloud path.
const LocalPrefix = "local:"

// Store is a directory of capture files, split into in/ and out/.
type Store struct {
	dir string
}

// New creates the directory tree if needed.
func New(dir string) (*Store, error) {
	for _, sub := range []string{KindIn, KindOut} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("images: mkdir %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Save writes one capture and returns its relative path
// ("in/51A12345_1714550400.jpg"), the form the database stores and the
// static endpoint serves.
func (s *Store) Save(kind, plate string, data []byte, ts time.Time) (string, error) {
	if kind != KindIn && kind != KindOut {
		return "", fault.Errorf(fault.BadInput, "BAD_IMAGE_KIND", "image kind must be in or out, got %q", kind)
	}
	name := fmt.Sprintf("%s_%d.jpg", SanitizePlate(plate), ts.Unix())
	rel := path.Join(kind, name)
	if err := os.WriteFile(filepath.Join(s.dir, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("images: write %s: %w", rel, err)
	}
	return rel, nil
}

// ReadFile returns a stored capture's bytes by its relative path.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	f, err := s.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Open opens a stored capture by its relative path. Paths that escape the
// store directory are rejected.
func (s *Store) Open(rel string) (*os.File, error) {
	if rel == "" || strings.Contains(rel, "..") {
		return nil, fault.New(fault.BadInput, "BAD_IMAGE_PATH", "invalid image path")
	}
	clean := path.Clean("/" + rel)[1:]
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Errorf(fault.NotFound, "IMAGE_NOT_FOUND", "no image %s", rel)
		}
		return nil, fmt.Errorf("images: open %s: %w", rel, err)
	}
	return f, nil
}

// SanitizePlate normalises a plate for use in filenames: uppercase, keep
// letters, digits and dashes, drop the rest.
func SanitizePlate(plate string) string {
	up := strings.ToUpper(strings.TrimSpace(plate))
	var b strings.Builder
	for _, r := range up {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}
