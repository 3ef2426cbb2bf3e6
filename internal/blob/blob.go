// Package blob is the workspace-local store for run artifacts too large to
// inline in export items. Blobs are immutable once finalized and addressed as
// blob:<run_id>/<blob_id>.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrUploadNotFound = errors.New("upload session not found")
	ErrTooLarge       = errors.New("blob exceeds size limit")
)

// Store keeps blobs under dir/<run_id>/<blob_id>, with in-flight uploads in
// dir/tmp until finalized by atomic rename.
type Store struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	uploads map[string]*upload
}

type upload struct {
	id       string
	runID    string
	mime     string
	file     *os.File
	written  int64
	created  time.Time
	finished bool
}

func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes, uploads: make(map[string]*upload)}, nil
}

// URL renders the canonical blob reference.
func URL(runID, blobID string) string {
	return "blob:" + runID + "/" + blobID
}

// ParseURL splits a blob:<run>/<id> reference.
func ParseURL(ref string) (runID, blobID string, ok bool) {
	rest, found := strings.CutPrefix(ref, "blob:")
	if !found {
		return "", "", false
	}
	runID, blobID, found = strings.Cut(rest, "/")
	if !found || runID == "" || blobID == "" {
		return "", "", false
	}
	return runID, blobID, true
}

// Put stores a complete payload in one call and returns the blob id.
func (s *Store) Put(runID string, data []byte) (string, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", ErrTooLarge
	}
	id := uuid.NewString()
	dir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp := filepath.Join(s.dir, "tmp", id)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(dir, id)); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return id, nil
}

// CreateUpload opens a streaming session owned by runID.
func (s *Store) CreateUpload(runID, mime string) (string, error) {
	id := uuid.NewString()
	f, err := os.Create(filepath.Join(s.dir, "tmp", id))
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.uploads[id] = &upload{id: id, runID: runID, mime: mime, file: f, created: time.Now()}
	s.mu.Unlock()
	return id, nil
}

func (s *Store) lookup(uploadID, runID string) (*upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.finished {
		return nil, ErrUploadNotFound
	}
	if u.runID != runID {
		// Sessions are run-scoped; a token for another run cannot touch it.
		return nil, ErrUploadNotFound
	}
	return u, nil
}

// Append writes the next chunk of an upload session.
func (s *Store) Append(uploadID, runID string, chunk []byte) error {
	u, err := s.lookup(uploadID, runID)
	if err != nil {
		return err
	}
	if s.maxBytes > 0 && u.written+int64(len(chunk)) > s.maxBytes {
		s.Abort(uploadID, runID)
		return ErrTooLarge
	}
	n, err := u.file.Write(chunk)
	u.written += int64(n)
	return err
}

// Finalize closes the session and publishes the blob atomically.
func (s *Store) Finalize(uploadID, runID string) (blobID string, size int64, err error) {
	u, err := s.lookup(uploadID, runID)
	if err != nil {
		return "", 0, err
	}
	s.mu.Lock()
	u.finished = true
	delete(s.uploads, uploadID)
	s.mu.Unlock()
	if err := u.file.Close(); err != nil {
		return "", 0, err
	}
	dir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	tmp := filepath.Join(s.dir, "tmp", uploadID)
	if err := os.Rename(tmp, filepath.Join(dir, uploadID)); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return uploadID, u.written, nil
}

// Abort discards an in-flight session.
func (s *Store) Abort(uploadID, runID string) {
	s.mu.Lock()
	u, ok := s.uploads[uploadID]
	if ok && u.runID == runID {
		u.finished = true
		delete(s.uploads, uploadID)
	}
	s.mu.Unlock()
	if ok {
		u.file.Close()
		os.Remove(filepath.Join(s.dir, "tmp", uploadID))
	}
}

// Open returns a reader over a finalized blob.
func (s *Store) Open(runID, blobID string) (io.ReadCloser, int64, error) {
	// Blob ids are uuids we minted; reject anything path-like outright.
	if strings.ContainsAny(runID+blobID, "/\\.") {
		return nil, 0, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, runID, blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
