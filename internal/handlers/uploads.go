package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Uploaded Reels are capped well below Instagram's 1GB limit to keep the
// backend's disk and upload windows sane.
const maxUploadBytes = 300 << 20

var reSafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeFilename(base string) string {
	base = filepath.Base(strings.TrimSpace(base))
	base = reSafeFilename.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = randHex(8)
	}
	return base
}

func isVideoUpload(contentType, filename string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if strings.HasPrefix(ct, "video/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".mov", ".m4v", ".webm":
		return true
	}
	return false
}

type uploadResponse struct {
	Video string `json:"video"`
	Size  int64  `json:"size"`
}

// UploadVideoForUser stores one multipart video file under the uploads dir
// and returns the /uploads/... reference to put on a publication.
func (h *Handler) UploadVideoForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if !isVideoUpload(header.Header.Get("Content-Type"), header.Filename) {
		writeError(w, http.StatusBadRequest, "only video uploads are accepted")
		return
	}

	userDir := filepath.Join(h.media.Dir, sanitizeFilename(userID))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := fmt.Sprintf("%s_%s", randHex(6), sanitizeFilename(header.Filename))
	dst, err := os.Create(filepath.Join(userDir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer dst.Close()

	n, err := io.Copy(dst, file)
	if err != nil {
		_ = os.Remove(dst.Name())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ref := fmt.Sprintf("/uploads/%s/%s", sanitizeFilename(userID), name)
	log.Printf("[Uploads] stored userId=%s video=%s bytes=%d", userID, ref, n)
	writeJSON(w, http.StatusOK, uploadResponse{Video: ref, Size: n})
}

// ListUploadsForUser lists the user's stored videos as /uploads/ references.
func (h *Handler) ListUploadsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	userDir := filepath.Join(h.media.Dir, sanitizeFilename(userID))
	entries, err := os.ReadDir(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []uploadResponse{})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	uploads := []uploadResponse{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		uploads = append(uploads, uploadResponse{
			Video: fmt.Sprintf("/uploads/%s/%s", sanitizeFilename(userID), e.Name()),
			Size:  info.Size(),
		})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Video < uploads[j].Video })
	writeJSON(w, http.StatusOK, uploads)
}

// ServeUpload serves stored videos publicly. The URL upload strategy depends
// on this: Meta fetches the video from here during container processing.
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	userID := sanitizeFilename(pathVar(r, "userId"))
	filename := sanitizeFilename(pathVar(r, "filename"))
	if userID == "" || filename == "" {
		writeError(w, http.StatusBadRequest, "bad path")
		return
	}
	http.ServeFile(w, r, filepath.Join(h.media.Dir, userID, filename))
}
