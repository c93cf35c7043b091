package blobstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"podium/pkg/interfaces"
)

func TestBlobStore_InterfaceCompliance(t *testing.T) {
	var _ interfaces.BlobStore = (*Filesystem)(nil)
	var _ interfaces.BlobStore = (*GridFS)(nil)
}

func TestFilesystem_PutGet(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem failed: %v", err)
	}
	ctx := context.Background()
	data := []byte{0xff, 0xd8, 0xff, 0xe0}

	ref, err := store.Put(ctx, "s1/student_1", "image/jpeg", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(ref, "fs:s1_student_1-") || !strings.HasSuffix(ref, ".jpg") {
		t.Errorf("Unexpected reference %q", ref)
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Blob content mismatch")
	}

	// Two uploads under the same key never collide
	other, _ := store.Put(ctx, "s1/student_1", "image/jpeg", data)
	if other == ref {
		t.Error("Expected distinct references for repeated uploads")
	}
}

func TestFilesystem_BadReferences(t *testing.T) {
	store, _ := NewFilesystem(t.TempDir())
	ctx := context.Background()

	for _, ref := range []string{"", "gridfs:abc", "fs:", "fs:../etc/passwd"} {
		if _, err := store.Get(ctx, ref); !errors.Is(err, ErrInvalidRef) {
			t.Errorf("Get(%q) expected ErrInvalidRef, got %v", ref, err)
		}
	}
	if _, err := store.Get(ctx, "fs:missing.jpg"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Expected ErrBlobNotFound, got %v", err)
	}
}

func TestGridFS_RejectsForeignReference(t *testing.T) {
	g := &GridFS{}
	if _, err := g.Get(context.Background(), "fs:whatever"); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("Expected ErrInvalidRef, got %v", err)
	}
	if _, err := g.Get(context.Background(), "gridfs:not-hex"); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("Expected ErrInvalidRef, got %v", err)
	}
}

// Runs against a live server when PODIUM_TEST_MONGO_URI is set
func TestGridFS_RoundTrip(t *testing.T) {
	uri := os.Getenv("PODIUM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PODIUM_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := DialGridFS(ctx, uri, "podium_test", "selfies")
	if err != nil {
		t.Fatalf("DialGridFS failed: %v", err)
	}
	defer store.Close()

	data := []byte("\xff\xd8gridfs-selfie")
	ref, err := store.Put(ctx, "s1/student_1", "image/jpeg", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(ref, "gridfs:") {
		t.Errorf("Unexpected reference %q", ref)
	}
	got, err := store.Get(ctx, ref)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Round trip mismatch: err=%v", err)
	}
}
