package local

import (
	"context"
	"errors"
	"testing"

	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	obj := &storage.Object{
		Data:            []byte("hello"),
		ContentType:     "text/plain",
		ContentEncoding: "gzip",
		Attributes:      map[string]string{"etag": "abc"},
	}
	if err := b.Put(ctx, "Users/bob/files/a.txt", obj); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := b.Exists(ctx, "Users/bob/files/a.txt")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	got, err := b.Get(ctx, "Users/bob/files/a.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "hello" || got.ContentType != "text/plain" || got.ContentEncoding != "gzip" {
		t.Fatalf("unexpected object: %+v", got)
	}
	if got.Attributes["etag"] != "abc" {
		t.Fatalf("expected etag attribute, got %v", got.Attributes)
	}

	if err := b.Delete(ctx, "Users/bob/files/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "Users/bob/files/a.txt"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := b.Get(ctx, "Users/bob/files/a.txt"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestListSkipsSidecars(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for _, key := range []string{"r/x/a", "r/x/sub/b", "r/x/sub/c", "r/y"} {
		if err := b.Put(ctx, key, &storage.Object{Data: []byte(key)}); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	page, err := b.List(ctx, "r/x/", storage.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", page.Entries)
	}
	if page.Entries[0].Key != "r/x/a" || page.Entries[0].Prefix {
		t.Errorf("unexpected first entry %+v", page.Entries[0])
	}
	if page.Entries[1].Key != "r/x/sub/" || !page.Entries[1].Prefix {
		t.Errorf("unexpected second entry %+v", page.Entries[1])
	}

	page, err = b.List(ctx, "", storage.ListOptions{Recursive: true})
	if err != nil {
		t.Fatalf("recursive List: %v", err)
	}
	if len(page.Entries) != 4 {
		t.Fatalf("expected 4 entries without sidecars, got %+v", page.Entries)
	}

	page, err = b.List(ctx, "missing/", storage.ListOptions{})
	if err != nil {
		t.Fatalf("List missing: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("expected empty listing, got %+v", page.Entries)
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	ok, err := b.Copy(ctx, "nope", "dst")
	if err != nil || ok {
		t.Fatalf("Copy of missing source = %v, %v", ok, err)
	}

	if err := b.Put(ctx, "src", &storage.Object{Data: []byte("x"), Attributes: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = b.Copy(ctx, "src", "a/dst")
	if err != nil || !ok {
		t.Fatalf("Copy = %v, %v", ok, err)
	}
	got, err := b.Get(ctx, "a/dst")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "x" || got.Attributes["k"] != "v" {
		t.Fatalf("unexpected copy %+v", got)
	}
}
