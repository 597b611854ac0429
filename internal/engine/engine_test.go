package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epam/ai-dial-core-sub000/internal/config"
	"github.com/epam/ai-dial-core-sub000/internal/resource"
	"github.com/epam/ai-dial-core-sub000/internal/store"
)

func openTestEngine(t *testing.T, extra map[string]string) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	environ := map[string]string{
		"DIAL_REDIS_ADDR":                 mr.Addr(),
		"DIAL_LOCAL_STORAGE_PATH":         t.TempDir(),
		"DIAL_NAMESPACE":                  "test.",
		"DIAL_DOCUMENTS_SYNC_DELAY":       "-1s",
		"DIAL_FILES_SYNC_DELAY":           "-1s",
		"DIAL_FILES_COMPRESSION_MIN_SIZE": "-1",
	}
	for k, v := range extra {
		environ[k] = v
	}
	cfg, err := config.LoadFrom(environ)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	eng, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, mr
}

func TestOpenWiresBothStores(t *testing.T) {
	ctx := context.Background()
	eng, mr := openTestEngine(t, nil)

	if eng.Durable.Type() != "local" {
		t.Fatalf("durable backend = %s", eng.Durable.Type())
	}
	if _, ok := eng.Buckets.(resource.PlainBuckets); !ok {
		t.Fatalf("buckets = %T, want PlainBuckets", eng.Buckets)
	}

	doc, err := resource.New(resource.Conversations, "users/alice/", "chat", eng.Buckets)
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	file, err := resource.New(resource.Files, "users/alice/", "notes.txt", eng.Buckets)
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	if _, err := eng.Documents.Put(ctx, doc, `{"id":"chat"}`, "", store.Unconditional()); err != nil {
		t.Fatalf("Documents.Put: %v", err)
	}
	if _, err := eng.Files.Put(ctx, file, []byte("hello"), "text/plain", store.Unconditional()); err != nil {
		t.Fatalf("Files.Put: %v", err)
	}

	for _, s := range eng.Syncers() {
		keys, err := s.DueKeys(ctx)
		if err != nil || len(keys) != 1 {
			t.Fatalf("%s DueKeys = %v, %v", s.Name(), keys, err)
		}
	}
	if _, err := eng.Documents.SyncDue(ctx); err != nil {
		t.Fatalf("Documents.SyncDue: %v", err)
	}
	if _, err := eng.Files.SyncDue(ctx); err != nil {
		t.Fatalf("Files.SyncDue: %v", err)
	}

	for _, key := range []string{doc.AbsolutePath() + ".json", file.AbsolutePath()} {
		ok, err := eng.Durable.Exists(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Durable.Exists(%s) = %v, %v", key, ok, err)
		}
	}

	// A cold cache reads back from durable storage.
	mr.FlushAll()
	res, err := eng.Files.Get(ctx, file)
	if err != nil || res == nil || string(res.Body) != "hello" {
		t.Fatalf("Files.Get after cache loss = %+v, %v", res, err)
	}
}

func TestOpenSealsBucketsWithSecret(t *testing.T) {
	eng, _ := openTestEngine(t, map[string]string{"DIAL_BUCKET_SECRET": "s3cret"})

	if _, ok := eng.Buckets.(*resource.SealedBuckets); !ok {
		t.Fatalf("buckets = %T, want *SealedBuckets", eng.Buckets)
	}
	id, err := eng.Buckets.Encode("users/bob/")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	addr, err := eng.Resolve("prompts/" + id + "/greeting")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr.BucketLocation != "users/bob/" || addr.Path != "greeting" {
		t.Fatalf("Resolve = %+v", addr)
	}
}

func TestOpenFailsWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.LoadFrom(map[string]string{
		"DIAL_REDIS_ADDR":         addr,
		"DIAL_LOCAL_STORAGE_PATH": t.TempDir(),
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("Open succeeded with redis down")
	}
}

func TestSchedulerFlushesBothStores(t *testing.T) {
	ctx := context.Background()
	eng, _ := openTestEngine(t, map[string]string{"DIAL_DOCUMENTS_SYNC_PERIOD": "1h", "DIAL_FILES_SYNC_PERIOD": "1h"})

	doc, err := resource.New(resource.Prompts, "users/alice/", "p1", eng.Buckets)
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	if _, err := eng.Documents.Put(ctx, doc, `"hi"`, "", store.Unconditional()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sched := eng.Scheduler(prometheus.NewRegistry())
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sched.Stop(time.Second) })
	if !sched.Tick() {
		t.Fatal("Tick refused the first round")
	}
	deadline := time.Now().Add(5 * time.Second)
	for !sched.Idle() {
		if time.Now().After(deadline) {
			t.Fatal("sync round did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sched.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ok, err := eng.Durable.Exists(ctx, doc.AbsolutePath()+".json")
	if err != nil || !ok {
		t.Fatalf("Durable.Exists = %v, %v", ok, err)
	}
}
