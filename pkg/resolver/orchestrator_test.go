package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/search"
)

// memoryCache is an in-memory CodeCache for tests.
type memoryCache struct {
	mu    sync.Mutex
	codes map[string]string
	gets  int
	sets  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{codes: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	code, ok := c.codes[name]
	if !ok {
		return "", errors.New("cache miss")
	}
	return code, nil
}

func (c *memoryCache) Set(_ context.Context, name string, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.codes[name] = code
	return nil
}

func newTestOrchestrator(t *testing.T, searcher Searcher, cache CodeCache, concurrency int) *Orchestrator {
	t.Helper()
	sched := newTestScheduler(t, searcher, testSchedConfig())
	o, err := NewOrchestrator(sched, cache, concurrency, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestNewOrchestrator_Validation(t *testing.T) {
	sched := newTestScheduler(t, newScriptedSearcher(), testSchedConfig())

	if _, err := NewOrchestrator(nil, nil, 1, zerolog.Nop()); err == nil {
		t.Error("NewOrchestrator accepted nil scheduler")
	}
	if _, err := NewOrchestrator(sched, nil, 0, zerolog.Nop()); err == nil {
		t.Error("NewOrchestrator accepted zero concurrency")
	}
}

func TestOrchestrator_EmptyQueryListIsFatal(t *testing.T) {
	o := newTestOrchestrator(t, newScriptedSearcher(), nil, 1)
	if _, err := o.Run(context.Background(), nil); err == nil {
		t.Error("Run accepted an empty query list")
	}
}

func TestOrchestrator_OneRowPerQueryInInputOrder(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.setRows("产品甲", search.Candidate{Name: "产品甲", Code: "A1"})
	// 产品乙 yields nothing anywhere: terminal failure, row still emitted.
	searcher.setRows("产品丙", search.Candidate{Name: "产品丙", Code: "C3"})
	// 产品丁 retries twice before succeeding, so it completes after the
	// others even though it sits in the middle of the input.
	searcher.failOnce("产品丁", transportErr(), 2)
	searcher.setRows("产品丁", search.Candidate{Name: "产品丁", Code: "D4"})

	queries := []string{"产品甲", "产品乙", "产品丁", "产品丙"}
	o := newTestOrchestrator(t, searcher, nil, 1)

	results, err := o.Run(context.Background(), queries)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != len(queries) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(queries))
	}
	wantCodes := []string{"A1", "", "D4", "C3"}
	for i, r := range results {
		if r.QueryName != queries[i] {
			t.Errorf("results[%d].QueryName = %q, want %q (input order)", i, r.QueryName, queries[i])
		}
		if r.Code != wantCodes[i] {
			t.Errorf("results[%d].Code = %q, want %q", i, r.Code, wantCodes[i])
		}
	}
}

func TestOrchestrator_PartialFailuresNeverAbortTheBatch(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.failOnce("坏产品", transportErr(), 100)
	searcher.setRows("好产品", search.Candidate{Name: "好产品", Code: "OK1"})

	o := newTestOrchestrator(t, searcher, nil, 1)
	results, err := o.Run(context.Background(), []string{"坏产品", "好产品"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Code != "" {
		t.Errorf("exhausted query code = %q, want empty", results[0].Code)
	}
	if results[1].Code != "OK1" {
		t.Errorf("healthy query code = %q, want OK1", results[1].Code)
	}
}

func TestOrchestrator_CacheShortcutSkipsScheduling(t *testing.T) {
	searcher := newScriptedSearcher()
	cache := newMemoryCache()
	cache.codes["产品甲"] = "CACHED1"

	o := newTestOrchestrator(t, searcher, cache, 1)
	results, err := o.Run(context.Background(), []string{"产品甲"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Code != "CACHED1" {
		t.Errorf("code = %q, want CACHED1", results[0].Code)
	}
	if len(searcher.callLog()) != 0 {
		t.Error("cached query still hit the search API")
	}
}

func TestOrchestrator_StoresResolvedCodes(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.setRows("产品甲", search.Candidate{Name: "产品甲", Code: "A1"})
	cache := newMemoryCache()

	o := newTestOrchestrator(t, searcher, cache, 1)
	if _, err := o.Run(context.Background(), []string{"产品甲", "无此产品"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cache.codes["产品甲"] != "A1" {
		t.Errorf("cache entry = %q, want A1", cache.codes["产品甲"])
	}
	// Failed resolutions must not be cached.
	if _, ok := cache.codes["无此产品"]; ok {
		t.Error("empty-code result was cached")
	}
}

func TestOrchestrator_ContextCancellationAbortsRun(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.setRows("产品甲", search.Candidate{Name: "产品甲", Code: "A1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(t, searcher, nil, 1)
	if _, err := o.Run(ctx, []string{"产品甲"}); err == nil {
		t.Error("Run ignored cancelled context")
	}
}

func TestOrchestrator_ParallelMatchesSequential(t *testing.T) {
	queries := []string{"产品甲", "产品乙", "产品丙", "产品丁", "产品戊", "无此产品"}

	build := func() *scriptedSearcher {
		s := newScriptedSearcher()
		s.setRows("产品甲", search.Candidate{Name: "产品甲", Code: "A1"})
		s.setRows("产品乙", search.Candidate{Name: "产品乙", Code: "B2"})
		s.setRows("产品丙", search.Candidate{Name: "产品丙", Code: "C3"})
		s.failOnce("产品丁", transportErr(), 1)
		s.setRows("产品丁", search.Candidate{Name: "产品丁", Code: "D4"})
		s.setRows("产品戊", search.Candidate{Name: "产品戊", Code: "E5"})
		return s
	}

	seq := newTestOrchestrator(t, build(), nil, 1)
	par := newTestOrchestrator(t, build(), nil, 3)

	seqResults, err := seq.Run(context.Background(), queries)
	if err != nil {
		t.Fatalf("sequential Run: %v", err)
	}
	parResults, err := par.Run(context.Background(), queries)
	if err != nil {
		t.Fatalf("parallel Run: %v", err)
	}

	if len(parResults) != len(seqResults) {
		t.Fatalf("parallel returned %d results, sequential %d", len(parResults), len(seqResults))
	}
	for i := range seqResults {
		if parResults[i] != seqResults[i] {
			t.Errorf("results[%d]: parallel %+v, sequential %+v", i, parResults[i], seqResults[i])
		}
	}
}

func TestOrchestrator_ParallelCancellation(t *testing.T) {
	searcher := newScriptedSearcher()
	for _, q := range []string{"产品甲", "产品乙", "产品丙"} {
		searcher.failOnce(q, transportErr(), 100)
	}

	sched := newTestScheduler(t, searcher, Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond})
	o, err := NewOrchestrator(sched, nil, 3, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := o.Run(ctx, []string{"产品甲", "产品乙", "产品丙"}); err == nil {
		t.Error("parallel Run ignored cancellation")
	}
}
