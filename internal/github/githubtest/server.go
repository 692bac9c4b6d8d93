// Package githubtest provides an in-process fake of the GitHub contents API.
package githubtest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type blob struct {
	content []byte
	sha     string
}

// Server is a fake contents API for a single repository.
type Server struct {
	*httptest.Server

	// InlineLimit makes files larger than this many bytes come back without
	// inline content, as the real API does above 1MB. Zero disables it.
	InlineLimit int

	mu    sync.Mutex
	files map[string]blob
	puts  int
}

// NewServer starts a fake server; it is closed when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{files: make(map[string]blob)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetFile seeds path with content and returns its sha.
func (s *Server) SetFile(path string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := blob{content: content, sha: blobSHA(content)}
	s.files[path] = b
	return b.sha
}

// File returns the stored content of path.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b.content, ok
}

// Puts counts successful writes.
func (s *Server) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// /repos/{owner}/{repo}/contents/{path...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 5)
	if len(parts) < 5 || parts[0] != "repos" || parts[3] != "contents" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	path := parts[4]

	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		b, ok := s.files[path]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		if r.Header.Get("Accept") == "application/vnd.github.raw" {
			w.WriteHeader(http.StatusOK)
			w.Write(b.content)
			return
		}
		if s.InlineLimit > 0 && len(b.content) > s.InlineLimit {
			writeJSON(w, http.StatusOK, map[string]any{
				"type": "file", "content": "", "encoding": "none", "sha": b.sha, "size": len(b.content),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":     "file",
			"content":  base64.StdEncoding.EncodeToString(b.content),
			"encoding": "base64",
			"sha":      b.sha,
			"size":     len(b.content),
		})
	case http.MethodPut:
		var body struct {
			Message string `json:"message"`
			Content string `json:"content"`
			SHA     string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		content, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad content"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		cur, exists := s.files[path]
		switch {
		case exists && body.SHA == "":
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": `Invalid request. "sha" wasn't supplied.`})
			return
		case exists && body.SHA != cur.sha, !exists && body.SHA != "":
			writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", path, body.SHA)})
			return
		}
		b := blob{content: content, sha: blobSHA(content)}
		s.files[path] = b
		s.puts++
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"content": map[string]string{"sha": b.sha, "path": path}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func blobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
