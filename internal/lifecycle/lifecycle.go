// Package lifecycle coordinates a match from creation to its terminal
// state: dual result reports, aborts, replay-hash conflicts, and the
// 60-minute inactivity timeout. Terminal transitions apply rating
// updates and invalidate the leaderboard.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/rating"
)

// MatchTimeout ends a match that produced no terminal transition.
const MatchTimeout = 60 * time.Minute

// sweepPeriod is how often the timeout sweeper scans pending matches.
const sweepPeriod = time.Minute

// lockTable hands out one exclusive lock per match ID. Locks are created
// on demand and dropped when the last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*matchLock
}

type matchLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*matchLock)}
}

// acquire blocks until the match lock is held and returns the release.
func (t *lockTable) acquire(id int64) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &matchLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// Coordinator is the per-match state machine driver.
type Coordinator struct {
	store *data.Store
	bus   *bus.Bus
	log   *slog.Logger
	locks *lockTable
	clock func() time.Time
}

// Option tweaks construction.
type Option func(*Coordinator)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func New(store *data.Store, b *bus.Bus, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		bus:   b,
		log:   log,
		locks: newLockTable(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run sweeps for timed-out matches until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(sweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.SweepTimeouts()
		}
	}
}

// ReportResult records one player's self-reported outcome and drives the
// transition once both sides have spoken. An abort report consumes quota
// and ends the match immediately.
func (c *Coordinator) ReportResult(matchID int64, playerID uint64, result model.ReportedResult) error {
	release := c.locks.acquire(matchID)
	defer release()

	m, ok := c.store.GetMatch(matchID)
	if !ok {
		return errs.NotFound("match %d", matchID)
	}
	if m.Side(playerID) == nil {
		return errs.Validation("player %d is not in match %d", playerID, matchID)
	}
	if m.Status.Terminal() {
		c.log.Debug("report on terminal match ignored",
			"match", matchID, "player", playerID, "status", m.Status)
		return errs.State("match %d already ended (%s)", matchID, m.Status)
	}

	if result == model.ReportAbort {
		return c.abort(m, playerID)
	}

	if err := c.store.SetReported(matchID, playerID, result); err != nil {
		return err
	}
	c.publish(bus.ResultReported, matchID, playerID)

	m, _ = c.store.GetMatch(matchID)
	if m.P1.Reported == "" || m.P2.Reported == "" {
		return nil
	}
	return c.resolve(m)
}

// abort ends the match at the reporting player's expense. Runs under the
// match lock.
func (c *Coordinator) abort(m model.Match, playerID uint64) error {
	if err := c.store.ConsumeAbort(playerID); err != nil {
		return err
	}
	if err := c.store.FinalizeMatch(m.ID, model.StatusAborted, 0, 0, nil); err != nil {
		return err
	}
	c.log.Info("match aborted", "match", m.ID, "by", playerID)
	c.publish(bus.Aborted, m.ID, playerID)
	return nil
}

// resolve decides the terminal state from two non-abort reports. Runs
// under the match lock.
func (c *Coordinator) resolve(m model.Match) error {
	status := agreedStatus(m.P1.Reported, m.P2.Reported)
	if status == model.StatusConflict {
		if err := c.store.FinalizeMatch(m.ID, model.StatusConflict, 0, 0, nil); err != nil {
			return err
		}
		c.log.Warn("reports disagree, match flagged for review",
			"match", m.ID, "p1", m.P1.Reported, "p2", m.P2.Reported)
		c.publish(bus.Conflicted, m.ID, 0)
		return nil
	}
	return c.finish(m, status)
}

// agreedStatus maps the two reports to a terminal state. Any combination
// that is not a mirrored win/loss or a double draw is a conflict.
func agreedStatus(p1, p2 model.ReportedResult) model.MatchStatus {
	switch {
	case p1 == model.ReportWin && p2 == model.ReportLoss:
		return model.StatusP1Win
	case p1 == model.ReportLoss && p2 == model.ReportWin:
		return model.StatusP2Win
	case p1 == model.ReportDraw && p2 == model.ReportDraw:
		return model.StatusDraw
	}
	return model.StatusConflict
}

// finish applies the rating update and finalizes. Runs under the match
// lock.
func (c *Coordinator) finish(m model.Match, status model.MatchStatus) error {
	now := c.clock()
	r1 := c.ratingFor(m.P1.PlayerID, m.P1.Race, now)
	r2 := c.ratingFor(m.P2.PlayerID, m.P2.Race, now)

	var d1, d2 int
	switch status {
	case model.StatusP1Win:
		d1, d2 = rating.WinDeltas(r1.MMR, r2.MMR)
		r1.Wins++
		r2.Losses++
	case model.StatusP2Win:
		d2, d1 = rating.WinDeltas(r2.MMR, r1.MMR)
		r2.Wins++
		r1.Losses++
	case model.StatusDraw:
		d1, d2 = rating.DrawDeltas(r1.MMR, r2.MMR)
		r1.Draws++
		r2.Draws++
	}
	r1.MMR = rating.Apply(r1.MMR, d1)
	r2.MMR = rating.Apply(r2.MMR, d2)
	r1.Games++
	r2.Games++
	r1.LastPlayed = now
	r2.LastPlayed = now

	if err := c.store.FinalizeMatch(m.ID, status, d1, d2, []model.RatingRow{r1, r2}); err != nil {
		return err
	}
	c.store.InvalidateLeaderboard()
	c.log.Info("match completed",
		"match", m.ID, "status", string(status), "d1", d1, "d2", d2)
	c.publish(bus.Completed, m.ID, 0)
	return nil
}

// ratingFor returns the existing rating row or a fresh one at the
// initial MMR.
func (c *Coordinator) ratingFor(playerID uint64, race model.Race, now time.Time) model.RatingRow {
	if row, ok := c.store.GetRating(playerID, race); ok {
		return row
	}
	return model.RatingRow{
		PlayerID:  playerID,
		Race:      race,
		MMR:       model.InitialMMR,
		CreatedAt: now,
	}
}

// MarkConflict forces the match into conflict, used when replay
// ingestion detects a duplicate hash across matches. No rating change.
func (c *Coordinator) MarkConflict(matchID int64) error {
	release := c.locks.acquire(matchID)
	defer release()

	m, ok := c.store.GetMatch(matchID)
	if !ok {
		return errs.NotFound("match %d", matchID)
	}
	if m.Status.Terminal() {
		c.log.Debug("conflict on terminal match ignored", "match", matchID)
		return nil
	}
	if err := c.store.FinalizeMatch(matchID, model.StatusConflict, 0, 0, nil); err != nil {
		return err
	}
	c.publish(bus.Conflicted, matchID, 0)
	return nil
}

// SweepTimeouts ends every pending match older than the timeout. Treated
// like an abort without consuming anyone's quota.
func (c *Coordinator) SweepTimeouts() {
	now := c.clock()
	for _, m := range c.store.PendingMatches() {
		if now.Sub(m.PlayedAt) <= MatchTimeout {
			continue
		}
		release := c.locks.acquire(m.ID)
		cur, ok := c.store.GetMatch(m.ID)
		if !ok || cur.Status.Terminal() {
			release()
			continue
		}
		if err := c.store.FinalizeMatch(m.ID, model.StatusTimedOut, 0, 0, nil); err != nil {
			c.log.Error("timeout finalize failed", "match", m.ID, "err", err)
			release()
			continue
		}
		c.log.Info("match timed out", "match", m.ID, "age", now.Sub(m.PlayedAt))
		c.publish(bus.TimedOut, m.ID, 0)
		release()
	}
}

// publish emits one symmetric event with the current match payload.
func (c *Coordinator) publish(kind bus.Kind, matchID int64, actor uint64) {
	m, _ := c.store.GetMatch(matchID)
	c.bus.Publish(bus.Event{
		Kind:    kind,
		MatchID: matchID,
		Match:   m,
		ActorID: actor,
		At:      c.clock(),
	})
}
