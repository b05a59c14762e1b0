package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetscope/winops/internal/remote"
)

// fakeSource serves canned per-host results with optional delays and
// failures. hang hosts sleep without honoring ctx, like a box that has
// stopped answering mid-query.
type fakeSource struct {
	sessions map[string][]UserSession
	errs     map[string]error
	delays   map[string]time.Duration
	hang     map[string]bool

	mu      sync.Mutex
	queried []string

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeSource) Sessions(ctx context.Context, host string) ([]UserSession, error) {
	f.mu.Lock()
	f.queried = append(f.queried, host)
	f.mu.Unlock()

	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.hang[host] {
		time.Sleep(f.delays[host])
		return nil, errors.New("host gone")
	}
	if d := f.delays[host]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[host]; err != nil {
		return nil, err
	}
	out := make([]UserSession, len(f.sessions[host]))
	copy(out, f.sessions[host])
	return out, nil
}

func (f *fakeSource) queriedHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queried))
	copy(out, f.queried)
	return out
}

// twoHostSource is the recurring fixture: alice on H1, bob and alice2
// on H2, delivered in that order.
func twoHostSource() *fakeSource {
	return &fakeSource{
		sessions: map[string][]UserSession{
			"H1": {
				{Host: "H1", SID: sidAlice, Username: "alice"},
			},
			"H2": {
				{Host: "H2", SID: sidBob, Username: "bob"},
				{Host: "H2", SID: sidCarol, Username: "alice2"},
			},
		},
	}
}

func pairs(sessions []UserSession) [][2]string {
	out := make([][2]string, len(sessions))
	for i, s := range sessions {
		out[i] = [2]string{s.Host, s.Username}
	}
	return out
}

func TestEnumerateSortsByHostThenUsername(t *testing.T) {
	e := New(twoHostSource(), Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H2", "H1"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if res.Partial {
		t.Fatal("unexpected partial result")
	}
	if res.HostErrors != nil {
		t.Fatalf("unexpected host errors: %v", res.HostErrors)
	}

	want := [][2]string{{"H1", "alice"}, {"H2", "alice2"}, {"H2", "bob"}}
	got := pairs(res.Sessions)
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEnumerateFilterMatchesCaseInsensitiveSubstring(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{"exact", "alice", []string{"H1", "H2"}},
		{"uppercase", "ALICE", []string{"H1", "H2"}},
		{"inner substring", "ob", []string{"H2"}},
		{"no match", "mallory", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(twoHostSource(), Config{LocalHost: "WS01"})
			res, err := e.Enumerate(context.Background(), Query{
				Hosts:          []string{"H1", "H2"},
				UsernameFilter: tt.filter,
			})
			if err != nil {
				t.Fatalf("Enumerate: %v", err)
			}
			if len(res.Sessions) != 0 {
				t.Fatalf("filter mode returned session rows: %+v", res.Sessions)
			}
			if len(res.MatchedHosts) != len(tt.want) {
				t.Fatalf("matched %v, want %v", res.MatchedHosts, tt.want)
			}
			for i := range tt.want {
				if res.MatchedHosts[i] != tt.want[i] {
					t.Fatalf("matched %v, want %v", res.MatchedHosts, tt.want)
				}
			}
		})
	}
}

func TestEnumerateFilterDedupesHostWithSeveralMatches(t *testing.T) {
	src := &fakeSource{
		sessions: map[string][]UserSession{
			"H3": {
				{Host: "H3", SID: sidAlice, Username: "alice"},
				{Host: "H3", SID: sidBob, Username: "malice"},
			},
		},
	}
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{
		Hosts:          []string{"H3"},
		UsernameFilter: "alice",
	})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.MatchedHosts) != 1 || res.MatchedHosts[0] != "H3" {
		t.Fatalf("matched %v, want [H3]", res.MatchedHosts)
	}
}

func TestEnumerateDefaultsToLocalHost(t *testing.T) {
	src := &fakeSource{
		sessions: map[string][]UserSession{
			"WS-LOCAL": {{Host: "WS-LOCAL", SID: sidAlice, Username: "alice"}},
		},
	}
	e := New(src, Config{LocalHost: "WS-LOCAL"})

	res, err := e.Enumerate(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	queried := src.queriedHosts()
	if len(queried) != 1 || queried[0] != "WS-LOCAL" {
		t.Fatalf("queried %v, want [WS-LOCAL]", queried)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Host != "WS-LOCAL" {
		t.Fatalf("unexpected result %+v", res.Sessions)
	}
}

func TestEnumerateNoHostsAnywhereFails(t *testing.T) {
	e := New(&fakeSource{}, Config{})

	_, err := e.Enumerate(context.Background(), Query{})
	if err == nil {
		t.Fatal("expected error with no hosts and no local host")
	}
}

func TestEnumerateDeduplicatesRequestedHosts(t *testing.T) {
	src := twoHostSource()
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{
		Hosts: []string{"H1", "h1", " H1 ", "", "H2"},
	})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	queried := src.queriedHosts()
	if len(queried) != 2 {
		t.Fatalf("queried %v, want each host exactly once", queried)
	}
	seen := map[string]bool{}
	for _, h := range queried {
		seen[h] = true
	}
	if !seen["H1"] || !seen["H2"] {
		t.Fatalf("queried %v, want H1 and H2", queried)
	}
	if got := len(res.Sessions); got != 3 {
		t.Fatalf("got %d rows, want 3", got)
	}
}

func TestEnumerateUnreachableHostDoesNotAbortOthers(t *testing.T) {
	src := twoHostSource()
	src.errs = map[string]error{
		"H2": fmt.Errorf("H2: %w", remote.ErrUnreachable),
	}
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H1", "H2"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Host != "H1" {
		t.Fatalf("sessions %+v, want only H1 rows", res.Sessions)
	}
	he, ok := res.HostErrors["H2"]
	if !ok {
		t.Fatalf("no host error recorded for H2: %v", res.HostErrors)
	}
	if he.Kind != KindUnreachable {
		t.Fatalf("H2 error kind = %q, want %q", he.Kind, KindUnreachable)
	}
	if res.Partial {
		t.Fatal("per-host failure must not mark the run partial")
	}
}

func TestEnumerateQueryFailureClassified(t *testing.T) {
	src := twoHostSource()
	src.errs = map[string]error{"H2": errors.New("registry walk failed")}
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H1", "H2"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if kind := res.HostErrors["H2"].Kind; kind != KindQueryFailed {
		t.Fatalf("H2 error kind = %q, want %q", kind, KindQueryFailed)
	}
}

func TestEnumeratePerHostTimeout(t *testing.T) {
	src := twoHostSource()
	src.delays = map[string]time.Duration{"H2": 5 * time.Second}
	e := New(src, Config{LocalHost: "WS01", HostTimeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H1", "H2"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("slow host stalled the run for %v", elapsed)
	}
	if kind := res.HostErrors["H2"].Kind; kind != KindTimeout {
		t.Fatalf("H2 error kind = %q, want %q", kind, KindTimeout)
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Host != "H1" {
		t.Fatalf("sessions %+v, want only H1 rows", res.Sessions)
	}
	if res.Partial {
		t.Fatal("per-host timeout must not mark the run partial")
	}
}

func TestEnumerateCancellationReturnsPartial(t *testing.T) {
	src := twoHostSource()
	src.hang = map[string]bool{"H2": true}
	src.delays = map[string]time.Duration{"H2": 2 * time.Second}
	e := New(src, Config{LocalHost: "WS01", HostTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := e.Enumerate(ctx, Query{Hosts: []string{"H1", "H2"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if !res.Partial {
		t.Fatal("cancellation must mark the result partial")
	}
	if len(res.Sessions) != 1 || res.Sessions[0].Host != "H1" {
		t.Fatalf("sessions %+v, want H1 rows collected before cancel", res.Sessions)
	}
	if kind := res.HostErrors["H2"].Kind; kind != KindCancelled {
		t.Fatalf("H2 error kind = %q, want %q", kind, KindCancelled)
	}
}

func TestEnumerateAllHostsFailing(t *testing.T) {
	src := &fakeSource{
		errs: map[string]error{
			"H1": fmt.Errorf("H1: %w", remote.ErrUnreachable),
			"H2": fmt.Errorf("H2: %w", remote.ErrTimeout),
		},
	}
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H1", "H2"}})
	if err != nil {
		t.Fatalf("Enumerate must not fail outright: %v", err)
	}
	if len(res.Sessions) != 0 {
		t.Fatalf("unexpected sessions %+v", res.Sessions)
	}
	if len(res.HostErrors) != 2 {
		t.Fatalf("host errors %v, want entries for both hosts", res.HostErrors)
	}
	if res.HostErrors["H2"].Kind != KindTimeout {
		t.Fatalf("H2 kind = %q, want %q", res.HostErrors["H2"].Kind, KindTimeout)
	}
}

func TestEnumerateZeroSessionsIsNotAnError(t *testing.T) {
	src := &fakeSource{
		sessions: map[string][]UserSession{"H1": {}},
	}
	e := New(src, Config{LocalHost: "WS01"})

	res, err := e.Enumerate(context.Background(), Query{Hosts: []string{"H1"}})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Sessions) != 0 || res.HostErrors != nil || res.Partial {
		t.Fatalf("want clean empty result, got %+v", res)
	}
}

func TestEnumerateHonorsConcurrencyLimit(t *testing.T) {
	src := &fakeSource{
		sessions: map[string][]UserSession{},
		delays:   map[string]time.Duration{},
	}
	hosts := make([]string, 6)
	for i := range hosts {
		h := fmt.Sprintf("H%d", i+1)
		hosts[i] = h
		src.delays[h] = 30 * time.Millisecond
	}
	e := New(src, Config{LocalHost: "WS01", Concurrency: 2})

	if _, err := e.Enumerate(context.Background(), Query{Hosts: hosts}); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if got := src.maxActive.Load(); got > 2 {
		t.Fatalf("observed %d concurrent host queries, limit is 2", got)
	}
	if got := len(src.queriedHosts()); got != len(hosts) {
		t.Fatalf("queried %d hosts, want %d", got, len(hosts))
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unreachable", fmt.Errorf("dial: %w", remote.ErrUnreachable), KindUnreachable},
		{"transport timeout", fmt.Errorf("exchange: %w", remote.ErrTimeout), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"wrapped cancelled", fmt.Errorf("H2: %w", context.Canceled), KindCancelled},
		{"other", errors.New("registry walk failed"), KindQueryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got.Kind != tt.want {
				t.Fatalf("classify(%v).Kind = %q, want %q", tt.err, got.Kind, tt.want)
			}
		})
	}
}
