package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wmtools/regresolve/pkg/match"
	"github.com/wmtools/regresolve/pkg/search"
)

// scriptedSearcher serves canned responses per term, with optional
// queues of one-shot errors, and records every search call.
type scriptedSearcher struct {
	mu    sync.Mutex
	rows  map[string][]search.Candidate
	errs  map[string][]error
	calls []string
}

func newScriptedSearcher() *scriptedSearcher {
	return &scriptedSearcher{
		rows: make(map[string][]search.Candidate),
		errs: make(map[string][]error),
	}
}

func (s *scriptedSearcher) setRows(term string, rows ...search.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[term] = rows
}

func (s *scriptedSearcher) failOnce(term string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.errs[term] = append(s.errs[term], err)
	}
}

func (s *scriptedSearcher) Search(_ context.Context, term string) ([]search.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, term)

	if queue := s.errs[term]; len(queue) > 0 {
		err := queue[0]
		s.errs[term] = queue[1:]
		return nil, err
	}
	rows := s.rows[term]
	if rows == nil {
		return []search.Candidate{}, nil
	}
	return rows, nil
}

func (s *scriptedSearcher) PrefixTerm(query string) string {
	runes := []rune(query)
	if len(runes) <= 8 {
		return query
	}
	return string(runes[:8])
}

func (s *scriptedSearcher) Strategy() match.Strategy {
	return match.StrategyExact
}

func (s *scriptedSearcher) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func testSchedConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: time.Millisecond}
}

func newTestScheduler(t *testing.T, searcher Searcher, cfg Config) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(searcher, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return sched
}

// drive steps e until it leaves Pending, bounded to catch livelock.
func drive(t *testing.T, sched *Scheduler, e *entry) {
	t.Helper()
	for i := 0; i < 20; i++ {
		if e.state != StatePending {
			return
		}
		if err := sched.Step(context.Background(), e); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	t.Fatal("entry never reached a terminal state")
}

func transportErr() error {
	return &search.APIError{StatusCode: 500, Class: search.ErrorClassServer, Message: "boom"}
}

func TestNewScheduler_Validation(t *testing.T) {
	searcher := newScriptedSearcher()

	if _, err := NewScheduler(nil, testSchedConfig(), zerolog.Nop()); err == nil {
		t.Error("NewScheduler accepted nil searcher")
	}
	if _, err := NewScheduler(searcher, Config{MaxAttempts: 0, BaseDelay: time.Second}, zerolog.Nop()); err == nil {
		t.Error("NewScheduler accepted zero max attempts")
	}
	if _, err := NewScheduler(searcher, Config{MaxAttempts: 3, BaseDelay: 0}, zerolog.Nop()); err == nil {
		t.Error("NewScheduler accepted zero base delay")
	}
}

func TestScheduler_ExactMatchFirstPass(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.setRows("理财产品A（保本型）", search.Candidate{Name: "理财产品A(保本型)", Code: "X001"})

	sched := newTestScheduler(t, searcher, testSchedConfig())
	e := &entry{query: "理财产品A（保本型）"}
	drive(t, sched, e)

	if e.state != StateSuccess {
		t.Fatalf("state = %s, want success", e.state)
	}
	if e.result.Code != "X001" {
		t.Errorf("code = %q, want X001", e.result.Code)
	}
	if e.attempts != 1 {
		t.Errorf("attempts = %d, want 1", e.attempts)
	}
}

func TestScheduler_EmptyAfterBothStrategiesIsTerminal(t *testing.T) {
	searcher := newScriptedSearcher()
	sched := newTestScheduler(t, searcher, testSchedConfig())

	e := &entry{query: "无此产品"}
	drive(t, sched, e)

	if e.state != StateFailed {
		t.Fatalf("state = %s, want failed", e.state)
	}
	if e.result.Code != "" {
		t.Errorf("code = %q, want empty", e.result.Code)
	}
	// One pass, both strategies, no retries for a deterministic answer.
	if calls := searcher.callLog(); len(calls) != 2 {
		t.Errorf("search calls = %v, want full name then prefix only", calls)
	}
}

func TestScheduler_NoExactMatchIsTerminalFirstOccurrence(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.setRows("稳健增利一号", search.Candidate{Name: "稳健增利二号", Code: "C2"})

	sched := newTestScheduler(t, searcher, testSchedConfig())
	e := &entry{query: "稳健增利一号"}
	drive(t, sched, e)

	if e.state != StateFailed {
		t.Fatalf("state = %s, want failed", e.state)
	}
	if calls := searcher.callLog(); len(calls) != 1 {
		t.Errorf("search calls = %v, want a single call (no retry for no-match)", calls)
	}
}

func TestScheduler_TwoErrorsThenSuccess(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.failOnce("稳健增利一号", transportErr(), 2)
	searcher.setRows("稳健增利一号", search.Candidate{Name: "稳健增利一号", Code: "C1030001"})

	sched := newTestScheduler(t, searcher, testSchedConfig())
	e := &entry{query: "稳健增利一号"}
	drive(t, sched, e)

	if e.state != StateSuccess {
		t.Fatalf("state = %s, want success", e.state)
	}
	if e.result.Code != "C1030001" {
		t.Errorf("code = %q, want C1030001", e.result.Code)
	}
	if e.attempts != 3 {
		t.Errorf("attempts = %d, want 3", e.attempts)
	}
}

func TestScheduler_TerminatesWithinAttemptBudget(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.failOnce("稳健增利一号", transportErr(), 100)

	cfg := testSchedConfig()
	sched := newTestScheduler(t, searcher, cfg)
	e := &entry{query: "稳健增利一号"}
	drive(t, sched, e)

	if e.state != StateFailed {
		t.Fatalf("state = %s, want failed after budget exhaustion", e.state)
	}
	if e.result.Code != "" {
		t.Errorf("code = %q, want empty", e.result.Code)
	}
	if e.attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want exactly %d", e.attempts, cfg.MaxAttempts)
	}
}

func TestScheduler_RateLimitErrorsShareTheBudget(t *testing.T) {
	searcher := newScriptedSearcher()
	rateLimited := &search.APIError{StatusCode: 429, Class: search.ErrorClassRateLimit, Message: "slow down"}
	searcher.failOnce("稳健增利一号", rateLimited, 100)

	cfg := testSchedConfig()
	sched := newTestScheduler(t, searcher, cfg)
	e := &entry{query: "稳健增利一号"}
	drive(t, sched, e)

	if e.state != StateFailed || e.attempts != cfg.MaxAttempts {
		t.Errorf("state = %s after %d attempts, want failed at %d",
			e.state, e.attempts, cfg.MaxAttempts)
	}
}

func TestScheduler_FallbackProgressionSurvivesRetries(t *testing.T) {
	searcher := newScriptedSearcher()
	query := "稳健增利一号（非保本浮动收益）"
	prefix := "稳健增利一号（非"

	// Full name proves empty on the first pass; the prefix search then
	// fails once. The retry must resume at the prefix, not re-prove the
	// full name.
	searcher.failOnce(prefix, transportErr(), 1)
	searcher.setRows(prefix, search.Candidate{Name: "稳健增利一号(非保本浮动收益)", Code: "C1030009"})

	sched := newTestScheduler(t, searcher, testSchedConfig())
	e := &entry{query: query}
	drive(t, sched, e)

	if e.state != StateSuccess {
		t.Fatalf("state = %s, want success", e.state)
	}
	if e.result.Code != "C1030009" {
		t.Errorf("code = %q, want C1030009", e.result.Code)
	}

	calls := searcher.callLog()
	want := []string{query, prefix, prefix}
	if len(calls) != len(want) {
		t.Fatalf("search calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("search calls = %v, want %v", calls, want)
		}
	}
}

func TestScheduler_StepIsNoopOnTerminalEntry(t *testing.T) {
	searcher := newScriptedSearcher()
	sched := newTestScheduler(t, searcher, testSchedConfig())

	e := &entry{query: "稳健增利一号", state: StateSuccess, result: search.Result{QueryName: "稳健增利一号", Code: "C1"}}
	if err := sched.Step(context.Background(), e); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(searcher.callLog()) != 0 {
		t.Error("Step searched for an already-terminal entry")
	}
}

func TestScheduler_BackoffCancellable(t *testing.T) {
	searcher := newScriptedSearcher()
	searcher.failOnce("稳健增利一号", transportErr(), 10)

	cfg := Config{MaxAttempts: 5, BaseDelay: time.Minute}
	sched := newTestScheduler(t, searcher, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	e := &entry{query: "稳健增利一号"}
	if err := sched.Step(ctx, e); err == nil {
		t.Error("Step ignored cancellation during backoff")
	}
}
