package store

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
)

type ruleSet struct {
	Rules []string `json:"rules"`
}

func TestMemoRebuildsOnChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	docs := env.documents(Options{})
	addr := address(t, resource.Rules, "rules")

	var parses atomic.Int32
	memo := NewMemo(docs, addr, func(res *Resource[string]) (ruleSet, error) {
		parses.Add(1)
		var rs ruleSet
		if res == nil {
			return rs, nil
		}
		err := json.Unmarshal([]byte(res.Body), &rs)
		return rs, err
	})

	rs, err := memo.Get(ctx)
	if err != nil || len(rs.Rules) != 0 {
		t.Fatalf("Get on missing = %+v, %v", rs, err)
	}

	if _, err := docs.Put(ctx, addr, `{"rules":["a"]}`, "", Unconditional()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, err := memo.Get(ctx)
			if err != nil || len(rs.Rules) != 1 {
				t.Errorf("Get = %+v, %v", rs, err)
			}
		}()
	}
	wg.Wait()
	afterPut := parses.Load()
	if afterPut < 2 {
		t.Fatalf("parses = %d, want a rebuild after the put", afterPut)
	}

	if _, err := memo.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := parses.Load(); got != afterPut {
		t.Fatalf("unchanged resource parsed again: %d -> %d", afterPut, got)
	}

	if _, err := docs.Put(ctx, addr, `{"rules":["a","b"]}`, "", Unconditional()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rs, err = memo.Get(ctx)
	if err != nil || len(rs.Rules) != 2 {
		t.Fatalf("Get after update = %+v, %v", rs, err)
	}
}
