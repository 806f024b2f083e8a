// Package observer runs the ingestion loop: discover recent matches for the
// tracked players, queue the unseen ones, and drain the queue into the store.
package observer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/dinghuanghao/dota2-cultivation/internal/db"
	"github.com/dinghuanghao/dota2-cultivation/internal/metrics"
	"github.com/dinghuanghao/dota2-cultivation/internal/notify"
	"github.com/dinghuanghao/dota2-cultivation/internal/opendota"
	"github.com/dinghuanghao/dota2-cultivation/internal/queue"
)

var ErrNoActivePlayers = errors.New("no active players to observe")

// State is where the observer is in its cycle.
type State int

const (
	StateBootstrapping State = iota
	StateDiscovering
	StateDraining
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateDiscovering:
		return "discovering"
	case StateDraining:
		return "draining"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// API is the remote match source.
type API interface {
	ListRecentMatches(ctx context.Context, accountID int64, limit int) ([]opendota.MatchRef, error)
	ListAllMatches(ctx context.Context, accountID int64, since time.Time) ([]opendota.MatchRef, error)
	GetMatchDetails(ctx context.Context, matchID int64) (*opendota.MatchDetails, error)
	GetPlayerProfile(ctx context.Context, accountID int64) (*opendota.PlayerProfile, error)
}

// Store is the subset of the record store the observer writes through.
type Store interface {
	Exists(ctx context.Context, matchID int64) (bool, error)
	WriteMatch(ctx context.Context, m *db.Match, players []db.PlayerMatch) error
	UpsertPlayer(ctx context.Context, p db.Player) (*db.Player, error)
	ListActivePlayers(ctx context.Context) ([]db.Player, error)
	MatchIDs(ctx context.Context) ([]int64, error)
}

// Queue is the durable job queue.
type Queue interface {
	Enqueue(matchID int64, priority int) (bool, error)
	Next() (*queue.Job, bool, error)
	Requeue(job *queue.Job) (queue.Outcome, error)
	Complete(matchID int64) error
	Len() int
}

// Config holds the loop timings.
type Config struct {
	// DiscoveryLimit is how many recent matches are listed per player per cycle
	DiscoveryLimit int
	// RecencyWindow drops matches that started longer ago than this
	RecencyWindow time.Duration
	// PollingInterval is the sleep between cycles
	PollingInterval time.Duration
	// QueueProcessInterval is an optional pause between drained jobs
	QueueProcessInterval time.Duration
	// ProfileRefreshInterval is the minimum time between profile passes
	ProfileRefreshInterval time.Duration
	// RetryDelay is the drain pause after a rate limit response
	RetryDelay time.Duration
	// ShutdownGrace bounds the in-flight job once shutdown started
	ShutdownGrace time.Duration
}

// DefaultConfig returns a configuration with the production defaults
func DefaultConfig() Config {
	return Config{
		DiscoveryLimit:         50,
		RecencyWindow:          90 * 24 * time.Hour,
		PollingInterval:        time.Minute,
		ProfileRefreshInterval: time.Hour,
		RetryDelay:             5 * time.Second,
		ShutdownGrace:          30 * time.Second,
	}
}

// Observer drives Bootstrapping, then Discovering, Draining and Sleeping in a
// loop until its context is cancelled. It is single threaded.
type Observer struct {
	cfg      Config
	api      API
	store    Store
	queue    Queue
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	state           State
	seen            *bloom.BloomFilter
	warmed          bool
	lastProfilePass time.Time
}

type Option func(*Observer)

// WithClock overrides the clock used for recency and profile timing.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Observer) { o.notifier = n }
}

func New(api API, store Store, q Queue, cfg Config, opts ...Option) *Observer {
	o := &Observer{
		cfg:      cfg,
		api:      api,
		store:    store,
		queue:    q,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		seen:     bloom.NewWithEstimates(500000, 0.001),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "observer")
	return o
}

// State reports the current state.
func (o *Observer) State() State { return o.state }

func (o *Observer) setState(s State) {
	if o.state != s {
		o.logger.Debug("state changed", "from", o.state.String(), "to", s.String())
	}
	o.state = s
	metrics.State.Set(float64(s))
}

// Run blocks until ctx is cancelled. Only bootstrap failures are returned;
// everything after that is logged and retried next cycle.
func (o *Observer) Run(ctx context.Context) error {
	o.setState(StateBootstrapping)
	if err := o.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			o.setState(StateStopped)
			return nil
		}
		return err
	}

	for ctx.Err() == nil {
		o.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		o.setState(StateSleeping)
		o.logger.Debug("sleeping", "duration", o.cfg.PollingInterval)
		if err := sleep(ctx, o.cfg.PollingInterval); err != nil {
			break
		}
	}

	o.setState(StateStopped)
	o.logger.Info("observer stopped", "queued", o.queue.Len())
	return nil
}

// Bootstrap warms the seen-match filter, queues each active player's recent
// history at backlog priority and refreshes every profile.
func (o *Observer) Bootstrap(ctx context.Context) error {
	players, err := o.store.ListActivePlayers(ctx)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}
	if len(players) == 0 {
		return ErrNoActivePlayers
	}
	if err := o.warmSeen(ctx); err != nil {
		return err
	}

	since := o.now().Add(-o.cfg.RecencyWindow)
	for _, p := range players {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		accountID := p.AccountID
		attr := slog.Int64("account_id", accountID)
		err := o.guard("history", attr, func() error {
			refs, err := o.api.ListAllMatches(ctx, accountID, since)
			if err != nil {
				return err
			}
			queued, err := o.enqueueUnseen(ctx, filterRecent(refs, o.now(), o.cfg.RecencyWindow), queue.PriorityBacklog)
			o.logger.Info("history queued", "account_id", accountID, "listed", len(refs), "queued", queued)
			return err
		})
		o.skip(ctx, "history", attr, err)
	}

	o.refreshProfiles(ctx, players)
	return nil
}

// warmSeen loads every stored match id into the bloom filter. A negative
// answer from the filter then proves a match is not stored.
func (o *Observer) warmSeen(ctx context.Context) error {
	ids, err := o.store.MatchIDs(ctx)
	if err != nil {
		return fmt.Errorf("load stored match ids: %w", err)
	}
	n := uint(len(ids) * 2)
	if n < 500000 {
		n = 500000
	}
	o.seen = bloom.NewWithEstimates(n, 0.001)
	for _, id := range ids {
		o.markSeen(id)
	}
	o.warmed = true
	o.logger.Info("seen filter warmed", "matches", len(ids))
	return nil
}

func matchKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func (o *Observer) markSeen(id int64) { o.seen.Add(matchKey(id)) }

// stored consults the filter first and the store only on a possible hit.
// Before the filter is warmed every lookup goes to the store.
func (o *Observer) stored(ctx context.Context, id int64) (bool, error) {
	if o.warmed && !o.seen.Test(matchKey(id)) {
		return false, nil
	}
	return o.store.Exists(ctx, id)
}

// RunCycle performs one Discovering pass followed by one Draining pass.
func (o *Observer) RunCycle(ctx context.Context) {
	start := o.now()
	log := o.logger.With("cycle", uuid.NewString())
	defer func() {
		metrics.CycleDuration.Observe(o.now().Sub(start).Seconds())
	}()

	o.setState(StateDiscovering)
	players, err := o.store.ListActivePlayers(ctx)
	if err != nil {
		log.Error("failed to list players", "error", err)
		return
	}

	queued := 0
	for _, p := range players {
		if ctx.Err() != nil {
			return
		}
		accountID := p.AccountID
		attr := slog.Int64("account_id", accountID)
		err := o.guard("discover", attr, func() error {
			refs, err := o.api.ListRecentMatches(ctx, accountID, o.cfg.DiscoveryLimit)
			if err != nil {
				return err
			}
			n, err := o.enqueueUnseen(ctx, filterRecent(refs, o.now(), o.cfg.RecencyWindow), queue.PriorityNew)
			queued += n
			return err
		})
		o.skip(ctx, "discover", attr, err)
	}

	if o.now().Sub(o.lastProfilePass) >= o.cfg.ProfileRefreshInterval {
		o.refreshProfiles(ctx, players)
	}
	log.Info("discovery finished", "players", len(players), "queued", queued, "pending", o.queue.Len())

	o.setState(StateDraining)
	stored := o.drain(ctx)
	log.Info("drain finished", "stored", stored, "pending", o.queue.Len())
}

// filterRecent keeps refs whose start time is within window of now.
func filterRecent(refs []opendota.MatchRef, now time.Time, window time.Duration) []opendota.MatchRef {
	cutoff := now.Add(-window).Unix()
	out := make([]opendota.MatchRef, 0, len(refs))
	for _, r := range refs {
		if r.StartTime >= cutoff {
			out = append(out, r)
		}
	}
	return out
}

func (o *Observer) enqueueUnseen(ctx context.Context, refs []opendota.MatchRef, priority int) (int, error) {
	queued := 0
	for _, r := range refs {
		have, err := o.stored(ctx, r.MatchID)
		if err != nil {
			return queued, err
		}
		if have {
			continue
		}
		added, err := o.queue.Enqueue(r.MatchID, priority)
		if err != nil {
			return queued, fmt.Errorf("enqueue match %d: %w", r.MatchID, err)
		}
		if added {
			queued++
		}
	}
	metrics.QueueDepth.Set(float64(o.queue.Len()))
	return queued, nil
}

// drain processes jobs until the queue is empty or ctx is cancelled. It
// returns how many matches were stored.
func (o *Observer) drain(ctx context.Context) int {
	stored := 0
	for ctx.Err() == nil {
		job, ok, err := o.queue.Next()
		if err != nil {
			o.logger.Error("failed to take next job", "error", err)
			return stored
		}
		if !ok {
			return stored
		}

		if o.processJob(ctx, job) {
			stored++
		}
		metrics.QueueDepth.Set(float64(o.queue.Len()))

		if o.cfg.QueueProcessInterval > 0 {
			if err := sleep(ctx, o.cfg.QueueProcessInterval); err != nil {
				return stored
			}
		}
	}
	return stored
}

// processJob settles one job. The fetch and write run on a context detached
// from shutdown so a started job is never half applied.
func (o *Observer) processJob(ctx context.Context, job *queue.Job) (stored bool) {
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if o.cfg.ShutdownGrace > 0 {
		jobCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownGrace)
	} else {
		jobCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	err := o.guard("match", slog.Int64("match_id", job.MatchID), func() error {
		var err error
		stored, err = o.fetchAndStore(jobCtx, job.MatchID)
		return err
	})

	switch {
	case err == nil:
		if cerr := o.queue.Complete(job.MatchID); cerr != nil {
			o.logger.Error("failed to complete job", "match_id", job.MatchID, "error", cerr)
		}
		return stored

	case errors.Is(err, opendota.ErrNotFound):
		o.logger.Warn("match not found", "match_id", job.MatchID)
		metrics.MatchesNotFound.Inc()
		if cerr := o.queue.Complete(job.MatchID); cerr != nil {
			o.logger.Error("failed to complete job", "match_id", job.MatchID, "error", cerr)
		}
		return false
	}

	o.requeue(jobCtx, job, err)
	if errors.Is(err, opendota.ErrRateLimited) {
		wait := o.cfg.RetryDelay
		if ra := opendota.RetryAfter(err); ra > wait {
			wait = ra
		}
		metrics.RateLimited.Inc()
		o.logger.Warn("rate limited", "match_id", job.MatchID, "delay", wait)
		sleep(ctx, wait)
	}
	return false
}

func (o *Observer) requeue(ctx context.Context, job *queue.Job, cause error) {
	reason := failureReason(cause)
	outcome, err := o.queue.Requeue(job)
	if err != nil {
		o.logger.Error("failed to requeue job", "match_id", job.MatchID, "error", err)
		return
	}

	if outcome == queue.Dropped {
		o.logger.Error("job dropped", "match_id", job.MatchID, "retries", job.RetryCount, "reason", reason, "error", cause)
		metrics.JobsDropped.Inc()
		if nerr := o.notifier.JobDropped(ctx, job.MatchID, job.RetryCount, cause); nerr != nil {
			o.logger.Warn("failed to send drop alert", "match_id", job.MatchID, "error", nerr)
		}
		return
	}

	metrics.JobsRequeued.WithLabelValues(reason).Inc()
	o.logger.Warn("job requeued", "match_id", job.MatchID, "retries", job.RetryCount, "reason", reason, "error", cause)
}

func failureReason(err error) string {
	switch opendota.Classify(err) {
	case opendota.ErrRateLimited:
		return "rate_limited"
	case opendota.ErrMalformedResponse:
		return "malformed"
	case opendota.ErrTransient:
		return "transient"
	case opendota.ErrNotFound:
		return "not_found"
	}
	switch {
	case db.IsPersistenceError(err):
		return "persistence"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "other"
	}
}

// fetchAndStore returns stored=false without error when the match was
// already persisted.
func (o *Observer) fetchAndStore(ctx context.Context, matchID int64) (bool, error) {
	have, err := o.stored(ctx, matchID)
	if err != nil {
		return false, err
	}
	if have {
		o.logger.Debug("match already stored", "match_id", matchID)
		return false, nil
	}

	details, err := o.api.GetMatchDetails(ctx, matchID)
	if err != nil {
		return false, err
	}

	m, players := decompose(details)
	if err := o.store.WriteMatch(ctx, m, players); err != nil {
		return false, err
	}
	o.markSeen(matchID)
	metrics.MatchesStored.Inc()
	o.logger.Info("match stored", "match_id", matchID, "players", len(players), "start_time", details.StartTime)
	return true, nil
}

// decompose splits a match into its row and the rows of identifiable
// players. A repeated account keeps its first slot.
func decompose(d *opendota.MatchDetails) (*db.Match, []db.PlayerMatch) {
	m := &db.Match{
		MatchID:      d.MatchID,
		StartTime:    d.StartTime,
		Duration:     d.Duration,
		GameMode:     d.GameMode,
		LobbyType:    d.LobbyType,
		LeagueID:     d.LeagueID,
		RadiantWin:   d.RadiantWin,
		RadiantScore: d.RadiantScore,
		DireScore:    d.DireScore,
		Payload:      d.Raw,
	}

	players := make([]db.PlayerMatch, 0, len(d.Players))
	seen := make(map[int64]bool, len(d.Players))
	for _, p := range d.Players {
		if !p.Tracked() || seen[p.AccountID] {
			continue
		}
		seen[p.AccountID] = true
		players = append(players, db.PlayerMatch{
			MatchID:    d.MatchID,
			AccountID:  p.AccountID,
			HeroID:     p.HeroID,
			PlayerSlot: p.PlayerSlot,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
			GoldPerMin: p.GoldPerMin,
			XPPerMin:   p.XPPerMin,
			LastHits:   p.LastHits,
			Denies:     p.Denies,
		})
	}
	return m, players
}

// refreshProfiles updates display names. Failures are per player.
func (o *Observer) refreshProfiles(ctx context.Context, players []db.Player) {
	for _, p := range players {
		if ctx.Err() != nil {
			return
		}
		accountID := p.AccountID
		attr := slog.Int64("account_id", accountID)
		err := o.guard("profile", attr, func() error {
			profile, err := o.api.GetPlayerProfile(ctx, accountID)
			if err != nil {
				return err
			}
			name := profile.PersonaName
			if name == "" {
				name = opendota.UnknownPersona
			}
			now := o.now()
			if _, err := o.store.UpsertPlayer(ctx, db.Player{
				AccountID:        accountID,
				PersonaName:      name,
				ProfileUpdatedAt: &now,
			}); err != nil {
				return err
			}
			metrics.ProfilesRefreshed.Inc()
			o.logger.Info("profile refreshed", "account_id", accountID, "personaname", name)
			return nil
		})
		o.skip(ctx, "profile", attr, err)
	}
	o.lastProfilePass = o.now()
}

var errPanic = errors.New("panic")

// guard runs fn for one item and turns a panic into an error.
func (o *Observer) guard(item string, attr slog.Attr, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in %s: %v", errPanic, item, r)
			o.logger.Error("recovered from panic", "item", item, attr, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn()
}

// skip logs a failed discovery or profile item and moves on. A rate limit
// pauses for RetryDelay first.
func (o *Observer) skip(ctx context.Context, item string, attr slog.Attr, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, opendota.ErrRateLimited) {
		metrics.RateLimited.Inc()
		o.logger.Warn("rate limited", "item", item, attr, "delay", o.cfg.RetryDelay)
		sleep(ctx, o.cfg.RetryDelay)
		return
	}
	if ctx.Err() == nil {
		o.logger.Error("item failed", "item", item, attr, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
