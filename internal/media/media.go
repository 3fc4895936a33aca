package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RefPrefix is the path prefix stored on publication records for locally
// uploaded videos. The same prefix is served publicly by the API server so
// the URL upload strategy can hand Meta a fetchable address.
const RefPrefix = "/uploads/"

// Resolver turns a stored video reference into either local bytes or a
// publicly dereferenceable URL. References are `/uploads/...` paths for local
// files, or absolute http(s) URLs which pass through untouched.
type Resolver struct {
	Dir          string // root directory holding uploaded files
	PublicOrigin string // e.g. https://app.example.com, used to build public URLs
}

func isRemoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// localPath maps a reference to a path under Dir, rejecting anything that
// would escape it.
func (r *Resolver) localPath(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty video reference")
	}
	rel := strings.TrimPrefix(ref, RefPrefix)
	rel = strings.TrimPrefix(rel, "/")
	clean := filepath.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid video reference %q", ref)
	}
	return filepath.Join(r.Dir, clean), nil
}

// Open returns a reader over the referenced local video and its size.
// Remote references cannot be opened; the caller should use PublicURL and the
// URL upload strategy for those.
func (r *Resolver) Open(ref string) (io.ReadCloser, int64, error) {
	if isRemoteRef(ref) {
		return nil, 0, fmt.Errorf("reference %q is a remote URL, not a local file", ref)
	}
	p, err := r.localPath(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// PublicURL returns an address Meta can fetch the video from. Local
// references must exist on disk; remote references are returned as-is.
func (r *Resolver) PublicURL(ref string) (string, error) {
	if isRemoteRef(ref) {
		return ref, nil
	}
	p, err := r.localPath(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	origin := strings.TrimRight(strings.TrimSpace(r.PublicOrigin), "/")
	if origin == "" {
		return "", fmt.Errorf("public origin is not configured")
	}
	if !strings.HasPrefix(ref, "/") {
		ref = RefPrefix + ref
	}
	return origin + ref, nil
}

// Remove deletes a locally held video. Missing files are not an error so
// cancellation stays idempotent; remote references are ignored.
func (r *Resolver) Remove(ref string) error {
	if isRemoteRef(ref) {
		return nil
	}
	p, err := r.localPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
