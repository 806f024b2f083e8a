package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dinghuanghao/dota2-cultivation/internal/db"
	"github.com/dinghuanghao/dota2-cultivation/internal/logging"
	"github.com/dinghuanghao/dota2-cultivation/internal/notify"
	"github.com/dinghuanghao/dota2-cultivation/internal/opendota"
	"github.com/dinghuanghao/dota2-cultivation/internal/queue"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d int) int64 {
	return testNow.Add(-time.Duration(d) * 24 * time.Hour).Unix()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollingInterval = 10 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.ShutdownGrace = 5 * time.Second
	return cfg
}

func newTestStore(t *testing.T) *db.SQLStore {
	t.Helper()
	s, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "matches.db"), "", db.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.json"), queue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	return q
}

func addPlayer(t *testing.T, s *db.SQLStore, accountID int64) {
	t.Helper()
	if _, err := s.UpsertPlayer(context.Background(), db.Player{AccountID: accountID}); err != nil {
		t.Fatalf("UpsertPlayer failed: %v", err)
	}
}

func details(id, start int64) *opendota.MatchDetails {
	return &opendota.MatchDetails{
		MatchID:    id,
		StartTime:  start,
		Duration:   1800,
		RadiantWin: true,
		Players: []opendota.MatchPlayer{
			{AccountID: 123, HeroID: 1, PlayerSlot: 0, Kills: 5},
			{AccountID: opendota.AnonymousAccountID, HeroID: 2, PlayerSlot: 1},
			{AccountID: 0, HeroID: 3, PlayerSlot: 2},
			{AccountID: 456, HeroID: 4, PlayerSlot: 128},
		},
	}
}

// fakeAPI is an in-memory match source.
type fakeAPI struct {
	mu          sync.Mutex
	recent      map[int64][]opendota.MatchRef
	history     map[int64][]opendota.MatchRef
	profiles    map[int64]string
	detailsFn   func(ctx context.Context, id int64) (*opendota.MatchDetails, error)
	detailCalls []int64
}

func (f *fakeAPI) ListRecentMatches(_ context.Context, accountID int64, _ int) ([]opendota.MatchRef, error) {
	return f.recent[accountID], nil
}

func (f *fakeAPI) ListAllMatches(_ context.Context, accountID int64, _ time.Time) ([]opendota.MatchRef, error) {
	return f.history[accountID], nil
}

func (f *fakeAPI) GetMatchDetails(ctx context.Context, id int64) (*opendota.MatchDetails, error) {
	f.mu.Lock()
	f.detailCalls = append(f.detailCalls, id)
	f.mu.Unlock()
	if f.detailsFn != nil {
		return f.detailsFn(ctx, id)
	}
	return details(id, testNow.Unix()), nil
}

func (f *fakeAPI) GetPlayerProfile(_ context.Context, accountID int64) (*opendota.PlayerProfile, error) {
	name, ok := f.profiles[accountID]
	if !ok {
		return nil, &opendota.APIError{Kind: opendota.ErrNotFound, Endpoint: "player_profile", Status: 404}
	}
	return &opendota.PlayerProfile{AccountID: accountID, PersonaName: name}, nil
}

type recordingNotifier struct {
	notify.Nop
	dropped []int64
	retries []int
}

func (r *recordingNotifier) JobDropped(_ context.Context, matchID int64, retries int, _ error) error {
	r.dropped = append(r.dropped, matchID)
	r.retries = append(r.retries, retries)
	return nil
}

// recordingQueue remembers which match ids were newly enqueued.
type recordingQueue struct {
	*queue.Queue
	added []int64
}

func (r *recordingQueue) Enqueue(matchID int64, priority int) (bool, error) {
	added, err := r.Queue.Enqueue(matchID, priority)
	if added {
		r.added = append(r.added, matchID)
	}
	return added, err
}

func newObserver(api API, store Store, q Queue, opts ...Option) *Observer {
	opts = append([]Option{WithClock(func() time.Time { return testNow }), WithLogger(logging.Discard())}, opts...)
	return New(api, store, q, testConfig(), opts...)
}

func TestFilterRecent(t *testing.T) {
	refs := []opendota.MatchRef{
		{MatchID: 1, StartTime: daysAgo(91)},
		{MatchID: 2, StartTime: daysAgo(89)},
		{MatchID: 3, StartTime: daysAgo(0)},
	}
	got := filterRecent(refs, testNow, 90*24*time.Hour)
	if len(got) != 2 || got[0].MatchID != 2 || got[1].MatchID != 3 {
		t.Errorf("filterRecent = %+v; want matches 2 and 3", got)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&opendota.APIError{Kind: opendota.ErrRateLimited, Endpoint: "match_details", Status: 429}, "rate_limited"},
		{&opendota.APIError{Kind: opendota.ErrMalformedResponse, Endpoint: "match_details"}, "malformed"},
		{fmt.Errorf("fetch: %w", &opendota.APIError{Kind: opendota.ErrTransient, Endpoint: "match_details", Status: 502}), "transient"},
		{&opendota.APIError{Kind: opendota.ErrNotFound, Endpoint: "match_details", Status: 404}, "not_found"},
		{&db.PersistenceError{Op: "write match", MatchID: 1, Err: errors.New("disk full")}, "persistence"},
		{fmt.Errorf("%w in match 1: boom", errPanic), "panic"},
		{context.Canceled, "other"},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q; want %q", tt.err, got, tt.want)
		}
	}
}

func TestDecompose(t *testing.T) {
	d := details(10, 1000)
	d.Players = append(d.Players, opendota.MatchPlayer{AccountID: 123, PlayerSlot: 3})

	m, players := decompose(d)
	if m.MatchID != 10 || m.StartTime != 1000 || !m.RadiantWin {
		t.Errorf("unexpected match row %+v", m)
	}
	if len(players) != 2 {
		t.Fatalf("expected 2 identifiable players, got %d", len(players))
	}
	if players[0].AccountID != 123 || players[0].PlayerSlot != 0 || players[0].Kills != 5 {
		t.Errorf("first slot should be kept for account 123, got %+v", players[0])
	}
	if players[1].AccountID != 456 {
		t.Errorf("expected account 456, got %d", players[1].AccountID)
	}
}

// The cycle from the ingestion scenario: one stored match, three listed.
func TestRunCycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addPlayer(t, store, 123)

	m, players := decompose(details(1, daysAgo(1)))
	if err := store.WriteMatch(ctx, m, players); err != nil {
		t.Fatalf("seeding match 1 failed: %v", err)
	}

	var (
		mu          sync.Mutex
		detailCalls []int64
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /players/{id}/matches", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "123" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `[{"match_id":1,"start_time":%d},{"match_id":2,"start_time":%d},{"match_id":3,"start_time":%d}]`,
			daysAgo(1), daysAgo(2), daysAgo(3))
	})
	mux.HandleFunc("GET /players/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"profile":{"account_id":%s,"personaname":"Observed"}}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /matches/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		mu.Lock()
		detailCalls = append(detailCalls, id)
		mu.Unlock()
		fmt.Fprintf(w, `{"match_id":%d,"start_time":%d,"duration":2000,"radiant_win":false,
			"players":[{"account_id":123,"hero_id":7,"player_slot":130,"kills":3,"deaths":1,"assists":9}]}`,
			id, daysAgo(2))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := opendota.NewClient(
		opendota.WithBaseURL(server.URL),
		opendota.WithMatchDetailsURL(server.URL+"/matches"),
		opendota.WithMinInterval(0),
		opendota.WithLogger(logging.Discard()),
	)
	q := &recordingQueue{Queue: newTestQueue(t)}
	o := newObserver(client, store, q)

	if err := o.warmSeen(ctx); err != nil {
		t.Fatalf("warmSeen failed: %v", err)
	}
	o.RunCycle(ctx)

	sort.Slice(q.added, func(i, k int) bool { return q.added[i] < q.added[k] })
	if fmt.Sprint(q.added) != "[2 3]" {
		t.Errorf("enqueued %v; want [2 3]", q.added)
	}
	sort.Slice(detailCalls, func(i, k int) bool { return detailCalls[i] < detailCalls[k] })
	if fmt.Sprint(detailCalls) != "[2 3]" {
		t.Errorf("fetched %v; want [2 3]", detailCalls)
	}
	for _, id := range []int64{1, 2, 3} {
		exists, err := store.Exists(ctx, id)
		if err != nil || !exists {
			t.Errorf("Exists(%d) = %v, %v; want true", id, exists, err)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue still holds %d jobs", q.Len())
	}

	page, err := store.PlayerMatches(ctx, 123, db.PageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("PlayerMatches failed: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("player 123 has %d stored matches; want 3", page.Total)
	}

	p, err := store.GetPlayer(ctx, 123)
	if err != nil {
		t.Fatalf("GetPlayer failed: %v", err)
	}
	if p.PersonaName != "Observed" || p.ProfileUpdatedAt == nil {
		t.Errorf("profile not refreshed: %+v", p)
	}
	if o.State() != StateDraining {
		t.Errorf("state = %v; want draining at the end of a cycle", o.State())
	}
}

func TestRunCycle_SkipsOldMatches(t *testing.T) {
	store := newTestStore(t)
	addPlayer(t, store, 123)
	api := &fakeAPI{recent: map[int64][]opendota.MatchRef{
		123: {{MatchID: 50, StartTime: daysAgo(91)}, {MatchID: 51, StartTime: daysAgo(89)}},
	}}
	q := &recordingQueue{Queue: newTestQueue(t)}

	o := newObserver(api, store, q)
	o.RunCycle(context.Background())

	if fmt.Sprint(q.added) != "[51]" {
		t.Errorf("enqueued %v; want [51]", q.added)
	}
}

func TestDrain_NotFoundDropsJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t)
	q.Enqueue(5, queue.PriorityNew)

	notifier := &recordingNotifier{}
	api := &fakeAPI{detailsFn: func(context.Context, int64) (*opendota.MatchDetails, error) {
		return nil, &opendota.APIError{Kind: opendota.ErrNotFound, Endpoint: "match_details", Status: 404}
	}}
	o := newObserver(api, store, q, WithNotifier(notifier))

	if stored := o.drain(ctx); stored != 0 {
		t.Errorf("stored = %d; want 0", stored)
	}
	if len(api.detailCalls) != 1 {
		t.Errorf("not-found match fetched %d times; want 1", len(api.detailCalls))
	}
	if q.Len() != 0 {
		t.Error("not-found job left on the queue")
	}
	if len(notifier.dropped) != 0 {
		t.Error("not-found should not raise a drop alert")
	}
}

func TestDrain_TransientRetriesThenDrops(t *testing.T) {
	store := newTestStore(t)
	q := newTestQueue(t)
	q.Enqueue(6, queue.PriorityNew)

	notifier := &recordingNotifier{}
	api := &fakeAPI{detailsFn: func(context.Context, int64) (*opendota.MatchDetails, error) {
		return nil, &opendota.APIError{Kind: opendota.ErrTransient, Endpoint: "match_details", Status: 502}
	}}
	o := newObserver(api, store, q, WithNotifier(notifier))
	o.drain(context.Background())

	// first attempt plus three retries
	if len(api.detailCalls) != queue.DefaultMaxRetries+1 {
		t.Errorf("fetched %d times; want %d", len(api.detailCalls), queue.DefaultMaxRetries+1)
	}
	if len(notifier.dropped) != 1 || notifier.dropped[0] != 6 {
		t.Fatalf("dropped = %v; want [6]", notifier.dropped)
	}
	if notifier.retries[0] != queue.DefaultMaxRetries {
		t.Errorf("drop reported %d retries; want %d", notifier.retries[0], queue.DefaultMaxRetries)
	}
	if q.Len() != 0 {
		t.Error("dropped job left on the queue")
	}
}

func TestDrain_MalformedAndPersistenceFailuresRequeue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t)
	q.Enqueue(8, queue.PriorityNew)

	calls := 0
	api := &fakeAPI{detailsFn: func(context.Context, int64) (*opendota.MatchDetails, error) {
		calls++
		switch calls {
		case 1:
			return nil, &opendota.APIError{Kind: opendota.ErrMalformedResponse, Endpoint: "match_details", Status: 200}
		case 2:
			// negative duration violates the matches check constraint
			d := details(8, testNow.Unix())
			d.Duration = -1
			return d, nil
		default:
			return details(8, testNow.Unix()), nil
		}
	}}
	o := newObserver(api, store, q)

	if stored := o.drain(ctx); stored != 1 {
		t.Errorf("stored = %d; want 1", stored)
	}
	if calls != 3 {
		t.Errorf("fetched %d times; want 3", calls)
	}
	if exists, _ := store.Exists(ctx, 8); !exists {
		t.Error("match 8 not stored after retries")
	}
}

func TestDrain_RateLimitPausesDrain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t)
	q.Enqueue(9, queue.PriorityNew)

	calls := 0
	api := &fakeAPI{detailsFn: func(context.Context, int64) (*opendota.MatchDetails, error) {
		calls++
		if calls == 1 {
			return nil, &opendota.APIError{Kind: opendota.ErrRateLimited, Endpoint: "match_details", Status: 429}
		}
		return details(9, testNow.Unix()), nil
	}}
	o := newObserver(api, store, q)
	o.cfg.RetryDelay = 50 * time.Millisecond

	start := time.Now()
	if stored := o.drain(ctx); stored != 1 {
		t.Errorf("stored = %d; want 1", stored)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("drain resumed after %v; want at least the retry delay", elapsed)
	}
}

func TestDrain_PanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t)
	q.Enqueue(11, queue.PriorityNew)
	q.Enqueue(12, queue.PriorityNew)

	panicked := false
	api := &fakeAPI{detailsFn: func(_ context.Context, id int64) (*opendota.MatchDetails, error) {
		if id == 11 && !panicked {
			panicked = true
			panic("decoder exploded")
		}
		return details(id, testNow.Unix()), nil
	}}
	o := newObserver(api, store, q)

	if stored := o.drain(ctx); stored != 2 {
		t.Errorf("stored = %d; want 2", stored)
	}
	for _, id := range []int64{11, 12} {
		if exists, _ := store.Exists(ctx, id); !exists {
			t.Errorf("match %d not stored", id)
		}
	}
}

func TestDrain_AlreadyStoredJobCompletesWithoutFetch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m, players := decompose(details(20, testNow.Unix()))
	store.WriteMatch(ctx, m, players)

	q := newTestQueue(t)
	q.Enqueue(20, queue.PriorityNew)
	api := &fakeAPI{}
	o := newObserver(api, store, q)

	o.drain(ctx)
	if len(api.detailCalls) != 0 {
		t.Errorf("stored match fetched again: %v", api.detailCalls)
	}
	if q.Len() != 0 {
		t.Error("job for stored match left on the queue")
	}
}

func TestBootstrap_NoActivePlayers(t *testing.T) {
	o := newObserver(&fakeAPI{}, newTestStore(t), newTestQueue(t))
	if err := o.Run(context.Background()); !errors.Is(err, ErrNoActivePlayers) {
		t.Errorf("Run = %v; want ErrNoActivePlayers", err)
	}
}

func TestBootstrap_QueuesHistoryAtBacklogPriority(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addPlayer(t, store, 123)

	api := &fakeAPI{
		history: map[int64][]opendota.MatchRef{
			123: {{MatchID: 30, StartTime: daysAgo(10)}, {MatchID: 31, StartTime: daysAgo(100)}},
		},
		profiles: map[int64]string{123: ""},
	}
	q := newTestQueue(t)
	o := newObserver(api, store, q)

	if err := o.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	jobs := q.Jobs()
	if len(jobs) != 1 || jobs[0].MatchID != 30 || jobs[0].Priority != queue.PriorityBacklog {
		t.Fatalf("queue = %+v; want match 30 at backlog priority", jobs)
	}

	// empty remote name falls back to the default
	p, _ := store.GetPlayer(ctx, 123)
	if p.PersonaName != opendota.UnknownPersona || p.ProfileUpdatedAt == nil {
		t.Errorf("profile = %+v; want Unknown with a refresh time", p)
	}

	// rediscovering the same match promotes it
	api.recent = map[int64][]opendota.MatchRef{123: {{MatchID: 30, StartTime: daysAgo(10)}}}
	o.enqueueUnseen(ctx, api.recent[123], queue.PriorityNew)
	if got := q.Jobs()[0].Priority; got != queue.PriorityNew {
		t.Errorf("priority = %d; want %d", got, queue.PriorityNew)
	}
}

func TestRun_ShutdownFinishesInFlightJob(t *testing.T) {
	store := newTestStore(t)
	addPlayer(t, store, 123)
	q := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jobCtxErr error
	api := &fakeAPI{
		history:  map[int64][]opendota.MatchRef{123: {{MatchID: 40, StartTime: daysAgo(1)}, {MatchID: 41, StartTime: daysAgo(2)}}},
		profiles: map[int64]string{123: "p"},
	}
	api.detailsFn = func(jobCtx context.Context, id int64) (*opendota.MatchDetails, error) {
		// shutdown arrives while the first job is in flight
		cancel()
		jobCtxErr = jobCtx.Err()
		return details(id, testNow.Unix()), nil
	}
	o := newObserver(api, store, q)

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if jobCtxErr != nil {
		t.Errorf("in-flight job saw a cancelled context: %v", jobCtxErr)
	}
	if len(api.detailCalls) != 1 {
		t.Errorf("started %d jobs after shutdown; want exactly 1", len(api.detailCalls))
	}
	if exists, _ := store.Exists(context.Background(), api.detailCalls[0]); !exists {
		t.Error("in-flight job was not stored")
	}
	if q.Len() != 1 {
		t.Errorf("queue holds %d jobs; want the untouched one", q.Len())
	}
	if o.State() != StateStopped {
		t.Errorf("state = %v; want stopped", o.State())
	}
}

func TestRefreshProfiles_ContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	addPlayer(t, store, 1)
	addPlayer(t, store, 2)

	// player 1 has no profile, player 2 does
	api := &fakeAPI{profiles: map[int64]string{2: "Second"}}
	o := newObserver(api, store, newTestQueue(t))

	players, _ := store.ListActivePlayers(ctx)
	o.refreshProfiles(ctx, players)

	p, _ := store.GetPlayer(ctx, 2)
	if p.PersonaName != "Second" {
		t.Errorf("player 2 name = %q; want Second", p.PersonaName)
	}
	if !o.lastProfilePass.Equal(testNow) {
		t.Errorf("lastProfilePass = %v; want %v", o.lastProfilePass, testNow)
	}
}
