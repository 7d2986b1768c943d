package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tutor/backend/internal/config"
)

func TestLocalStorePutAndDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	ctx := context.Background()
	if err := store.PutObject(ctx, "/images/owner-1/cell.png", "image/png", []byte("png")); err != nil {
		t.Fatalf("put object: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "images", "owner-1", "cell.png"))
	if err != nil {
		t.Fatalf("read stored object: %v", err)
	}
	if string(data) != "png" {
		t.Fatalf("unexpected object contents: %q", data)
	}

	if err := store.DeleteObject(ctx, "images/owner-1/cell.png"); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if err := store.DeleteObject(ctx, "images/owner-1/cell.png"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	if err := store.PutObject(context.Background(), "../../etc/passwd", "text/plain", []byte("x")); err == nil {
		t.Fatal("expected escaping path to be rejected")
	}
}

func TestOpenWithoutBackendReturnsNil(t *testing.T) {
	store, err := Open(context.Background(), config.Config{UploadBackend: config.UploadBackendNone})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store != nil {
		t.Fatalf("expected nil store, got %T", store)
	}
}
