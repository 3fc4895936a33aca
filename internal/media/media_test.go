package media

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTestVideo(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestOpen_LocalRef(t *testing.T) {
	dir := t.TempDir()
	writeTestVideo(t, dir, "u1/reel.mp4", "video bytes")

	r := &Resolver{Dir: dir}
	rc, size, err := r.Open("/uploads/u1/reel.mp4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	if size != int64(len("video bytes")) {
		t.Fatalf("unexpected size: %d", size)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "video bytes" {
		t.Fatalf("unexpected content: %q", b)
	}
}

func TestOpen_RemoteRefRejected(t *testing.T) {
	r := &Resolver{Dir: t.TempDir()}
	if _, _, err := r.Open("https://cdn.example/v.mp4"); err == nil {
		t.Fatalf("expected error for remote ref")
	}
}

func TestOpen_Missing(t *testing.T) {
	r := &Resolver{Dir: t.TempDir()}
	if _, _, err := r.Open("/uploads/u1/nope.mp4"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLocalPath_TraversalRejected(t *testing.T) {
	r := &Resolver{Dir: t.TempDir()}
	for _, ref := range []string{"/uploads/../etc/passwd", "/uploads/..", "", "/uploads/../../x"} {
		if _, err := r.localPath(ref); err == nil {
			t.Fatalf("expected traversal rejection for %q", ref)
		}
	}
}

func TestPublicURL_RemotePassthrough(t *testing.T) {
	r := &Resolver{Dir: t.TempDir(), PublicOrigin: "https://app.example.com"}
	got, err := r.PublicURL("https://cdn.example/v.mp4")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if got != "https://cdn.example/v.mp4" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestPublicURL_Local(t *testing.T) {
	dir := t.TempDir()
	writeTestVideo(t, dir, "u1/reel.mp4", "x")

	r := &Resolver{Dir: dir, PublicOrigin: "https://app.example.com/"}
	got, err := r.PublicURL("/uploads/u1/reel.mp4")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if got != "https://app.example.com/uploads/u1/reel.mp4" {
		t.Fatalf("unexpected url: %q", got)
	}
}

func TestPublicURL_LocalMissingFile(t *testing.T) {
	r := &Resolver{Dir: t.TempDir(), PublicOrigin: "https://app.example.com"}
	if _, err := r.PublicURL("/uploads/u1/nope.mp4"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPublicURL_NoOrigin(t *testing.T) {
	dir := t.TempDir()
	writeTestVideo(t, dir, "u1/reel.mp4", "x")

	r := &Resolver{Dir: dir}
	if _, err := r.PublicURL("/uploads/u1/reel.mp4"); err == nil {
		t.Fatalf("expected error when origin is not configured")
	}
}

func TestRemove_IdempotentAndIgnoresRemote(t *testing.T) {
	dir := t.TempDir()
	p := writeTestVideo(t, dir, "u1/reel.mp4", "x")

	r := &Resolver{Dir: dir}
	if err := r.Remove("/uploads/u1/reel.mp4"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("file should be gone")
	}
	// second remove is a no-op
	if err := r.Remove("/uploads/u1/reel.mp4"); err != nil {
		t.Fatalf("Remove (second): %v", err)
	}
	if err := r.Remove("https://cdn.example/v.mp4"); err != nil {
		t.Fatalf("Remove remote: %v", err)
	}
}
