package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
)

func TestSchedulerFlushesDueKeys(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	docs := env.documents(Options{SyncDelay: -1})
	files := env.files(Options{SyncDelay: -1})

	doc := address(t, resource.Conversations, "scheduled")
	file := address(t, resource.Files, "scheduled.bin")
	if _, err := docs.Put(ctx, doc, `{"v":1}`, "", Unconditional()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := files.Put(ctx, file, []byte("raw"), "", Unconditional()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sched := NewScheduler(SchedulerConfig{
		Period:     10 * time.Millisecond,
		Workers:    2,
		Registerer: prometheus.NewRegistry(),
	}, docs, files)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for {
		docObj, err1 := env.durable.Get(ctx, doc.AbsolutePath()+".json")
		fileObj, err2 := env.durable.Get(ctx, file.AbsolutePath())
		if err1 == nil && err2 == nil && string(docObj.Data) == `{"v":1}` && string(fileObj.Data) == "raw" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not flush both stores")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeSyncer records synced keys and can block a round.
type fakeSyncer struct {
	mu      sync.Mutex
	keys    []string
	synced  []string
	block   chan struct{}
	reads   atomic.Int32
	failKey string
}

func (f *fakeSyncer) Name() string { return "fake" }

func (f *fakeSyncer) SyncBatch() int { return DefaultSyncBatch }

func (f *fakeSyncer) DueKeys(context.Context) ([]string, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.keys
	f.keys = nil
	return keys, nil
}

func (f *fakeSyncer) SyncKey(_ context.Context, key string) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	if key == f.failKey {
		return false, errors.New("boom")
	}
	f.mu.Lock()
	f.synced = append(f.synced, key)
	f.mu.Unlock()
	return true, nil
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Idle() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler round did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerRoundsDoNotOverlap(t *testing.T) {
	fake := &fakeSyncer{keys: []string{"a", "b"}, block: make(chan struct{})}
	// A long period keeps the ticker out of the way; rounds are driven by Tick.
	sched := NewScheduler(SchedulerConfig{Period: time.Hour, Workers: 2}, fake)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(time.Second)

	if !sched.Tick() {
		t.Fatal("first Tick refused")
	}
	if sched.Tick() {
		t.Fatal("Tick accepted while the previous round is running")
	}
	close(fake.block)
	waitIdle(t, sched)

	if !sched.Tick() {
		t.Fatal("Tick refused after the round finished")
	}
	waitIdle(t, sched)
	if got := fake.reads.Load(); got != 2 {
		t.Fatalf("DueKeys called %d times, want 2", got)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.synced) != 2 {
		t.Fatalf("synced = %v", fake.synced)
	}
}

func TestSchedulerSurvivesKeyFailures(t *testing.T) {
	fake := &fakeSyncer{keys: []string{"bad", "good"}, failKey: "bad"}
	sched := NewScheduler(SchedulerConfig{Period: time.Hour, Workers: 1}, fake)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(time.Second)

	sched.Tick()
	waitIdle(t, sched)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.synced) != 1 || fake.synced[0] != "good" {
		t.Fatalf("synced = %v, want [good]", fake.synced)
	}
}

func TestSchedulerRoundTakesWholeBatch(t *testing.T) {
	keys := make([]string, 1500)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%04d", i)
	}
	fake := &fakeSyncer{keys: keys}
	sched := NewScheduler(SchedulerConfig{Period: time.Hour, Workers: 4}, fake)
	if got := sched.pool.Stats().QueueSize; got < DefaultSyncBatch+1 {
		t.Fatalf("queue size = %d, want room for a full batch", got)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(time.Second)

	if !sched.Tick() {
		t.Fatal("Tick refused")
	}
	waitIdle(t, sched)

	fake.mu.Lock()
	synced := len(fake.synced)
	fake.mu.Unlock()
	if synced != len(keys) {
		t.Fatalf("synced %d of %d due keys in one round", synced, len(keys))
	}
	if dropped := sched.pool.Stats().Dropped; dropped != 0 {
		t.Fatalf("pool dropped %d jobs", dropped)
	}
}
