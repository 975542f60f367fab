package data

import (
	"strconv"

	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
)

// CreateMatch allocates the next match ID and stores a pending match row.
// Authoritative write: the match must survive a restart.
func (s *Store) CreateMatch(p1, p2 model.MatchSide, mapName, server string) model.Match {
	id := s.matchSeq.Add(1)
	m := model.Match{
		ID:       id,
		P1:       p1,
		P2:       p2,
		Map:      mapName,
		Server:   server,
		Status:   model.StatusPending,
		PlayedAt: s.now(),
	}
	s.mutate(func(f *frames) []writeJob {
		cp := m
		f.matches[id] = &cp
		j := newJob(writeMatch, true)
		j.Match = &cp
		return []writeJob{j}
	})
	return m
}

// GetMatch returns a copy of the match, if it is in the hot frame.
func (s *Store) GetMatch(id int64) (model.Match, bool) {
	m, ok := s.frame.Load().matches[id]
	if !ok {
		return model.Match{}, false
	}
	return *m, true
}

// OpenMatchFor returns the player's current non-terminal match, if any.
// The lifecycle guarantees at most one.
func (s *Store) OpenMatchFor(playerID uint64) (model.Match, bool) {
	f := s.frame.Load()
	for _, m := range f.matches {
		if m.Status != model.StatusPending {
			continue
		}
		if m.P1.PlayerID == playerID || m.P2.PlayerID == playerID {
			return *m, true
		}
	}
	return model.Match{}, false
}

// MatchForReplayHash returns the match already referencing a replay hash.
// Used by ingestion: the same hash appearing in two matches is a cheating
// signal.
func (s *Store) MatchForReplayHash(hash string) (int64, bool) {
	id, ok := s.frame.Load().replays[hash]
	return id, ok
}

// RecordReplay attaches an uploaded replay artifact to one side of a
// match. Idempotent on (match, uploader): a second upload from the same
// player overwrites the pointer. The hash binding is re-checked under the
// write lock: ingestion's pre-check races against concurrent workers, so
// a hash already owned by another match is refused here too.
func (s *Store) RecordReplay(matchID int64, uploaderID uint64, artifact model.ReplayArtifact) error {
	var applyErr error
	s.mutate(func(f *frames) []writeJob {
		prev, ok := f.matches[matchID]
		if !ok {
			applyErr = errs.NotFound("match %d", matchID)
			return nil
		}
		if owner, bound := f.replays[artifact.Hash]; bound && owner != matchID {
			applyErr = errs.Conflict("replay already belongs to match %d", owner)
			return nil
		}
		next := *prev
		side := next.Side(uploaderID)
		if side == nil {
			applyErr = errs.Validation("player %d is not in match %d", uploaderID, matchID)
			return nil
		}
		side.ReplayHash = artifact.Hash
		side.ReplayAt = artifact.UploadedAt
		f.matches[matchID] = &next
		f.replays[artifact.Hash] = matchID

		mj := newJob(writeMatch, true)
		mj.Match = &next
		rj := newJob(writeReplay, false)
		cp := artifact
		rj.Replay = &cp
		return []writeJob{mj, rj}
	})
	return applyErr
}

// SetReported records one player's self-reported result on the match row.
// The lifecycle coordinator owns the transition decision; this only
// mirrors and persists the report.
func (s *Store) SetReported(matchID int64, playerID uint64, result model.ReportedResult) error {
	var applyErr error
	s.mutate(func(f *frames) []writeJob {
		prev, ok := f.matches[matchID]
		if !ok {
			applyErr = errs.NotFound("match %d", matchID)
			return nil
		}
		if prev.Status.Terminal() {
			applyErr = errs.State("match %d already %s", matchID, prev.Status)
			return nil
		}
		next := *prev
		side := next.Side(playerID)
		if side == nil {
			applyErr = errs.Validation("player %d is not in match %d", playerID, matchID)
			return nil
		}
		side.Reported = result
		f.matches[matchID] = &next
		j := newJob(writeMatch, true)
		j.Match = &next
		return []writeJob{j}
	})
	return applyErr
}

// FinalizeMatch sets the terminal status, writes the MMR deltas, and
// upserts the updated rating rows, all within one snapshot swap. Only
// valid while the match is pending; later calls are no-ops.
func (s *Store) FinalizeMatch(matchID int64, status model.MatchStatus, p1Delta, p2Delta int, ratings []model.RatingRow) error {
	if !status.Terminal() {
		return errs.State("finalize requires a terminal status, got %s", status)
	}
	var applyErr error
	s.mutate(func(f *frames) []writeJob {
		prev, ok := f.matches[matchID]
		if !ok {
			applyErr = errs.NotFound("match %d", matchID)
			return nil
		}
		if prev.Status.Terminal() {
			// Losing racer of a terminal transition: no-op.
			return nil
		}
		next := *prev
		next.Status = status
		next.P1.MMRDelta = p1Delta
		next.P2.MMRDelta = p2Delta
		f.matches[matchID] = &next

		jobs := make([]writeJob, 0, 1+len(ratings))
		mj := newJob(writeMatch, true)
		mj.Match = &next
		jobs = append(jobs, mj)

		for i := range ratings {
			r := ratings[i]
			inner := f.ratings[r.PlayerID]
			if inner == nil {
				inner = make(map[model.Race]*model.RatingRow)
				f.ratings[r.PlayerID] = inner
			}
			cp := r
			inner[r.Race] = &cp
			rj := newJob(writeRating, true)
			rj.Rating = &cp
			jobs = append(jobs, rj)
		}
		return jobs
	})
	return applyErr
}

// ConsumeAbort decrements the player's monthly abort quota. The counter
// resets to the full quota on the first abort of a new calendar month and
// never goes negative.
func (s *Store) ConsumeAbort(id uint64) error {
	var applyErr error
	s.mutate(func(f *frames) []writeJob {
		prev, ok := f.players[id]
		if !ok {
			applyErr = errs.NotFound("player %d", id)
			return nil
		}
		now := s.now()
		month := now.Format("2006-01")
		next := *prev
		if next.AbortMonth != month {
			next.AbortsLeft = model.AbortQuotaPerMonth
			next.AbortMonth = month
		}
		if next.AbortsLeft <= 0 {
			applyErr = errs.Quota("no aborts left this month")
			return nil
		}
		next.AbortsLeft--
		next.UpdatedAt = now
		f.players[id] = &next
		return []writeJob{
			playerJob(&next),
			actionJob(id, "aborts_left", strconv.Itoa(prev.AbortsLeft), strconv.Itoa(next.AbortsLeft), now),
		}
	})
	return applyErr
}

// AbortQuota reports the aborts the player has left this month, applying
// the monthly reset without consuming.
func (s *Store) AbortQuota(id uint64) int {
	p, ok := s.GetPlayer(id)
	if !ok {
		return model.AbortQuotaPerMonth
	}
	if p.AbortMonth != s.now().Format("2006-01") {
		return model.AbortQuotaPerMonth
	}
	return p.AbortsLeft
}

// PendingMatches returns every match still in flight, for the timeout
// sweeper.
func (s *Store) PendingMatches() []model.Match {
	f := s.frame.Load()
	var out []model.Match
	for _, m := range f.matches {
		if m.Status == model.StatusPending {
			out = append(out, *m)
		}
	}
	return out
}
