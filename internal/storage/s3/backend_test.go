package s3

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

// fakeS3 serves ListObjectsV2 and HeadObject for one bucket and records how
// many HEAD requests overlap.
type fakeS3 struct {
	keys     []string
	missing  string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>b</Name><Prefix>p/</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>", len(f.keys))
		for _, k := range f.keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>2024-01-01T00:00:00.000Z</LastModified><Size>3</Size><StorageClass>STANDARD</StorageClass></Contents>", k)
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(b.String()))
	case http.MethodHead:
		n := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		key := strings.TrimPrefix(r.URL.Path, "/b/")
		if key == f.missing {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amz-Meta-Etag", "e-"+key)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestListFetchesAttributesConcurrently(t *testing.T) {
	fake := &fakeS3{missing: "p/k07"}
	for i := 0; i < 40; i++ {
		fake.keys = append(fake.keys, fmt.Sprintf("p/k%02d", i))
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	b, err := NewBackend(ctx, BackendConfig{
		Endpoint:  srv.URL,
		Bucket:    "b",
		AccessKey: "key",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	page, err := b.List(ctx, "p/", storage.ListOptions{Recursive: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 39 {
		t.Fatalf("entries = %d, want 39 (one key vanished before its HEAD)", len(page.Entries))
	}
	for i, e := range page.Entries {
		if i > 0 && page.Entries[i-1].Key >= e.Key {
			t.Fatalf("entries out of order at %d: %s", i, e.Key)
		}
		if e.Attributes["etag"] != "e-"+e.Key {
			t.Fatalf("%s attributes = %v", e.Key, e.Attributes)
		}
		if e.Key == fake.missing {
			t.Fatalf("vanished key %s listed", e.Key)
		}
	}

	peak := fake.peak.Load()
	if peak < 2 || peak > headConcurrency {
		t.Fatalf("peak concurrent HEAD requests = %d, want between 2 and %d", peak, headConcurrency)
	}
}
