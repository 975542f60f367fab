// Package data is the process-wide write-through data layer. All hot
// tables live in immutable in-memory frames; reads dereference the current
// snapshot and never wait, writers swap a new snapshot under an exclusive
// lock and enqueue the mutation for the durable writer goroutine.
// Read-after-write consistency is provided within the process by mirroring
// at submission time; durability is eventual.
package data

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/sqlstore"
)

// frames is one immutable snapshot of every hot table. Maps and the
// structs they point to are never mutated in place; writers clone the
// affected map, insert fresh values, and swap the whole snapshot.
type frames struct {
	players map[uint64]*model.Player
	ratings map[uint64]map[model.Race]*model.RatingRow
	prefs   map[uint64]*model.Preferences
	matches map[int64]*model.Match
	replays map[string]int64 // content hash -> match ID
}

func (f *frames) clone() *frames {
	next := &frames{
		players: make(map[uint64]*model.Player, len(f.players)),
		ratings: make(map[uint64]map[model.Race]*model.RatingRow, len(f.ratings)),
		prefs:   make(map[uint64]*model.Preferences, len(f.prefs)),
		matches: make(map[int64]*model.Match, len(f.matches)),
		replays: make(map[string]int64, len(f.replays)),
	}
	for k, v := range f.players {
		next.players[k] = v
	}
	for k, v := range f.ratings {
		inner := make(map[model.Race]*model.RatingRow, len(v))
		for r, row := range v {
			inner[r] = row
		}
		next.ratings[k] = inner
	}
	for k, v := range f.prefs {
		next.prefs[k] = v
	}
	for k, v := range f.matches {
		next.matches[k] = v
	}
	for k, v := range f.replays {
		next.replays[k] = v
	}
	return next
}

// Store is the data layer singleton, constructed once by the wiring layer.
type Store struct {
	db  *sqlstore.DB
	log *slog.Logger

	frame atomic.Pointer[frames]
	// mu serializes writers (snapshot swaps). Readers never take it.
	mu sync.Mutex

	jobs      chan writeJob
	workerWG  sync.WaitGroup
	drained   chan struct{}
	closeOnce sync.Once

	matchSeq atomic.Int64

	// invalidate signals the leaderboard engine after a finalization.
	invalidate atomic.Pointer[func()]

	failedPath string
	clock      func() time.Time
}

// Option tweaks store construction.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New hydrates the frames from the durable store and starts the write
// worker. Construction blocks until every reference table is loaded.
func New(db *sqlstore.DB, failedWritesPath string, log *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		db:         db,
		log:        log,
		jobs:       make(chan writeJob, writeQueueDepth),
		drained:    make(chan struct{}),
		failedPath: failedWritesPath,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	f := &frames{
		players: make(map[uint64]*model.Player),
		ratings: make(map[uint64]map[model.Race]*model.RatingRow),
		prefs:   make(map[uint64]*model.Preferences),
		matches: make(map[int64]*model.Match),
		replays: make(map[string]int64),
	}

	players, err := db.LoadPlayers()
	if err != nil {
		return nil, fmt.Errorf("hydrate players: %w", err)
	}
	for i := range players {
		p := players[i]
		f.players[p.ID] = &p
	}

	ratings, err := db.LoadRatings()
	if err != nil {
		return nil, fmt.Errorf("hydrate ratings: %w", err)
	}
	for i := range ratings {
		r := ratings[i]
		inner := f.ratings[r.PlayerID]
		if inner == nil {
			inner = make(map[model.Race]*model.RatingRow)
			f.ratings[r.PlayerID] = inner
		}
		inner[r.Race] = &r
	}

	prefs, err := db.LoadPreferences()
	if err != nil {
		return nil, fmt.Errorf("hydrate preferences: %w", err)
	}
	for i := range prefs {
		p := prefs[i]
		f.prefs[p.PlayerID] = &p
	}

	open, err := db.LoadOpenMatches()
	if err != nil {
		return nil, fmt.Errorf("hydrate matches: %w", err)
	}
	for i := range open {
		m := open[i]
		f.matches[m.ID] = &m
	}

	replays, err := db.LoadReplayIndex()
	if err != nil {
		return nil, fmt.Errorf("hydrate replays: %w", err)
	}
	f.replays = replays

	maxID, err := db.MaxMatchID()
	if err != nil {
		return nil, fmt.Errorf("hydrate match counter: %w", err)
	}
	s.matchSeq.Store(maxID)

	s.frame.Store(f)

	s.workerWG.Add(1)
	go s.writeWorker()

	return s, nil
}

// OnInvalidate registers the leaderboard invalidation hook.
func (s *Store) OnInvalidate(fn func()) {
	s.invalidate.Store(&fn)
}

// InvalidateLeaderboard signals the leaderboard engine that rating rows
// changed.
func (s *Store) InvalidateLeaderboard() {
	if fn := s.invalidate.Load(); fn != nil {
		(*fn)()
	}
}

// mutate runs fn against a cloned snapshot and swaps it in. fn returns the
// write jobs to enqueue; the mirror is visible to readers before mutate
// returns.
func (s *Store) mutate(fn func(f *frames) []writeJob) {
	s.mu.Lock()
	next := s.frame.Load().clone()
	jobs := fn(next)
	s.frame.Store(next)
	s.mu.Unlock()
	for _, j := range jobs {
		s.enqueue(j)
	}
}

// Close drains the write queue, waiting until it is empty or ctx expires,
// then stops the worker.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.jobs) })
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		s.log.Warn("write queue not drained before shutdown deadline")
		return ctx.Err()
	}
}

// now returns the store's notion of wall-clock time.
func (s *Store) now() time.Time { return s.clock() }
