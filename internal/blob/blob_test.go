package blob_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"runline/internal/blob"
)

func newStore(t *testing.T, maxBytes int64) *blob.Store {
	t.Helper()
	s, err := blob.NewStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutOpenRoundtrip(t *testing.T) {
	s := newStore(t, 1<<20)
	payload := []byte("artifact bytes")
	id, err := s.Put("run-1", payload)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, size, err := s.Open("run-1", id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	if size != int64(len(payload)) {
		t.Fatalf("size %d want %d", size, len(payload))
	}
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("content mismatch")
	}
}

func TestPutEnforcesLimit(t *testing.T) {
	s := newStore(t, 4)
	if _, err := s.Put("run-1", []byte("too big")); !errors.Is(err, blob.ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}

func TestUploadSessionLifecycle(t *testing.T) {
	s := newStore(t, 1<<20)
	id, err := s.CreateUpload("run-1", "application/octet-stream")
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := s.Append(id, "run-1", []byte("hello ")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(id, "run-1", []byte("world")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Another run cannot touch the session.
	if err := s.Append(id, "run-2", []byte("x")); !errors.Is(err, blob.ErrUploadNotFound) {
		t.Fatalf("cross-run append: want ErrUploadNotFound, got %v", err)
	}
	blobID, size, err := s.Finalize(id, "run-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if size != int64(len("hello world")) {
		t.Fatalf("size %d", size)
	}
	rc, _, err := s.Open("run-1", blobID)
	if err != nil {
		t.Fatalf("open finalized: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "hello world" {
		t.Fatalf("content %q", got)
	}
	// Session is gone once finalized.
	if err := s.Append(id, "run-1", []byte("late")); !errors.Is(err, blob.ErrUploadNotFound) {
		t.Fatalf("append after finalize: %v", err)
	}
}

func TestUploadAbortsWhenOverLimit(t *testing.T) {
	s := newStore(t, 8)
	id, err := s.CreateUpload("run-1", "")
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := s.Append(id, "run-1", []byte("12345678")); err != nil {
		t.Fatalf("append at limit: %v", err)
	}
	if err := s.Append(id, "run-1", []byte("9")); !errors.Is(err, blob.ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
	// Session was aborted, not left half-open.
	if _, _, err := s.Finalize(id, "run-1"); !errors.Is(err, blob.ErrUploadNotFound) {
		t.Fatalf("finalize after abort: %v", err)
	}
}

func TestOpenRejectsPathTraversal(t *testing.T) {
	s := newStore(t, 1<<20)
	if _, _, err := s.Open("run-1", "../tmp/escape"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, _, err := s.Open("run-1", "missing"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("want ErrNotFound for missing blob, got %v", err)
	}
}

func TestURLRoundtrip(t *testing.T) {
	ref := blob.URL("run-1", "blob-1")
	runID, blobID, ok := blob.ParseURL(ref)
	if !ok || runID != "run-1" || blobID != "blob-1" {
		t.Fatalf("parse %q: %v %v %v", ref, runID, blobID, ok)
	}
	if _, _, ok := blob.ParseURL("https://example.com/x"); ok {
		t.Fatalf("non-blob url accepted")
	}
	if _, _, ok := blob.ParseURL("blob:no-slash"); ok {
		t.Fatalf("malformed ref accepted")
	}
}
