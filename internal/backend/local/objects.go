package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DiskObjects is the development object-storage collaborator: uploads
// land under a root directory and public URLs resolve against the
// service's media route.
type DiskObjects struct {
	root    string
	baseURL string
}

// NewDiskObjects stores objects under root and serves them below baseURL.
func NewDiskObjects(root, baseURL string) *DiskObjects {
	return &DiskObjects{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Root is the directory the media file server exposes.
func (d *DiskObjects) Root() string {
	return d.root
}

func (d *DiskObjects) Upload(_ context.Context, objectPath string, r io.Reader) error {
	clean := path.Clean("/" + objectPath)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("invalid object path %q", objectPath)
	}

	full := filepath.Join(d.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

func (d *DiskObjects) PublicURL(objectPath string) string {
	return d.baseURL + path.Clean("/"+objectPath)
}
