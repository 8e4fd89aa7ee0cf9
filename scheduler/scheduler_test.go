package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	state    State
	fetchErr error
	marked   int
}

func (f *fakeSource) Fetch(context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	st := f.state
	return &st, nil
}

func (f *fakeSource) MarkRun(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked++
	f.state.TriggerPending = false
	return nil
}

func (f *fakeSource) set(fn func(*State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
}

func atHour(h int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 30, h, 30, 0, 0, time.UTC)
	}
}

func TestSkipReason(t *testing.T) {
	s := New(&fakeSource{}, func(context.Context) {}, nil)
	s.now = atHour(10)

	cases := []struct {
		name  string
		state State
		want  string
	}{
		{"enabled no window", State{Enabled: true}, ""},
		{"disabled", State{Enabled: false}, "disabled"},
		{"trigger overrides disabled", State{Enabled: false, TriggerPending: true}, ""},
		{"inside window", State{Enabled: true, StartHour: 8, EndHour: 18}, ""},
		{"before window", State{Enabled: true, StartHour: 12, EndHour: 18}, "outside active hours"},
		{"after window", State{Enabled: true, StartHour: 6, EndHour: 9}, "outside active hours"},
		{"end hour exclusive", State{Enabled: true, StartHour: 6, EndHour: 10}, "outside active hours"},
		{"inverted window", State{Enabled: true, StartHour: 18, EndHour: 6}, "invalid active hours"},
		{"trigger overrides window", State{Enabled: true, StartHour: 12, EndHour: 18, TriggerPending: true}, ""},
	}
	for _, c := range cases {
		if got := s.skipReason(&c.state); got != c.want {
			t.Errorf("%s: skipReason = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestStateInterval(t *testing.T) {
	if got := (&State{}).Interval(); got != DefaultInterval {
		t.Errorf("default interval: got %v", got)
	}
	if got := (&State{IntervalHours: 6}).Interval(); got != 6*time.Hour {
		t.Errorf("interval: got %v", got)
	}
}

func TestRunImmediateOnStart(t *testing.T) {
	var runs atomic.Int32
	src := &fakeSource{state: State{Enabled: true, IntervalHours: 1}}
	s := New(src, func(context.Context) { runs.Add(1) }, nil)
	s.checkEvery = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs: got %d, want 1 immediate run", runs.Load())
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.marked != 1 {
		t.Errorf("mark-run calls: got %d", src.marked)
	}
}

func TestRunTriggerFiresBetweenIntervals(t *testing.T) {
	var runs atomic.Int32
	src := &fakeSource{state: State{Enabled: false, IntervalHours: 1}}
	s := New(src, func(context.Context) { runs.Add(1) }, nil)
	s.checkEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Startup attempt is skipped (disabled). Then a trigger appears.
	time.Sleep(25 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("disabled scheduler ran %d times", runs.Load())
	}
	src.set(func(st *State) { st.TriggerPending = true })

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("trigger did not cause a run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

// While the control API is unreachable the scheduler must not run at
// all; it resumes as soon as state can be fetched again.
func TestRunSkipsWhileStateUnavailable(t *testing.T) {
	var runs atomic.Int32
	src := &fakeSource{fetchErr: errors.New("api down")}
	s := New(src, func(context.Context) { runs.Add(1) }, nil)
	s.checkEvery = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs while api down: got %d, want 0", got)
	}

	// API recovers with a pending trigger; the next config check runs it.
	src.set(func(st *State) { st.Enabled = true; st.TriggerPending = true })
	src.mu.Lock()
	src.fetchErr = nil
	src.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler did not resume after state recovered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestStateClient(t *testing.T) {
	var marked, triggered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/watchguard/scheduler/status":
			json.NewEncoder(w).Encode(State{Enabled: true, IntervalHours: 6, StartHour: 8, EndHour: 20})
		case "/watchguard/scheduler/mark-run":
			if r.Method != http.MethodPost {
				t.Errorf("mark-run method: %s", r.Method)
			}
			marked.Add(1)
		case "/watchguard/scheduler/trigger":
			triggered.Add(1)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewStateClient(srv.URL)
	ctx := context.Background()

	state, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !state.Enabled || state.IntervalHours != 6 || state.EndHour != 20 {
		t.Errorf("state: %+v", state)
	}
	if err := c.MarkRun(ctx); err != nil {
		t.Fatalf("MarkRun: %v", err)
	}
	if err := c.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if marked.Load() != 1 || triggered.Load() != 1 {
		t.Errorf("calls: marked=%d triggered=%d", marked.Load(), triggered.Load())
	}
}

func TestStateClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewStateClient(srv.URL).Fetch(context.Background()); err == nil {
		t.Error("Fetch should fail on 500")
	}
	if err := NewStateClient(srv.URL).MarkRun(context.Background()); err == nil {
		t.Error("MarkRun should fail on 500")
	}
}
