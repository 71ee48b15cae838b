package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(afero.NewMemMapFs(), "/vault", "https://cdn.example.com/files/")
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ctx := context.Background()

	if err := store.Upload(ctx, "uploads/user-1/a.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	data, err := store.Open("uploads/user-1/a.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("unexpected contents %q %v", data, err)
	}
	if got := store.PublicURL("uploads/user-1/a.txt"); got != "https://cdn.example.com/files/uploads/user-1/a.txt" {
		t.Fatalf("unexpected public url %s", got)
	}
	if err := store.Remove(ctx, "uploads/user-1/a.txt", "uploads/user-1/missing.txt"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := store.Open("uploads/user-1/a.txt"); err == nil {
		t.Fatalf("expected object to be removed")
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	store, err := NewLocalStore(afero.NewMemMapFs(), "/vault", "")
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	for _, path := range []string{"", "../etc/passwd", "uploads/../../x", "a//b"} {
		if err := store.Upload(context.Background(), path, []byte("x"), "text/plain"); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("expected invalid path for %q, got %v", path, err)
		}
	}
}
