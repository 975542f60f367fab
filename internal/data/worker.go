package data

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/evoladder/evoladder/internal/model"
)

// writeQueueDepth bounds the MPSC channel feeding the durable writer. The
// queue is effectively unbounded for this workload; submission latency
// stays in the microseconds unless the database is down for a long time.
const writeQueueDepth = 4096

type writeKind string

const (
	writePlayer      writeKind = "player"
	writeRating      writeKind = "rating"
	writePrefs       writeKind = "preferences"
	writeMatch       writeKind = "match"
	writeReplay      writeKind = "replay"
	writeActionLog   writeKind = "action_log"
	writeCommandCall writeKind = "command_call"
)

// writeJob is one queued mutation descriptor. Exactly one payload field is
// set, matching Kind. Authoritative jobs (match finalization, rating
// updates) are retried inline with backoff; analytics-grade jobs fail into
// the reconciliation log.
type writeJob struct {
	ID            string    `json:"id"`
	Kind          writeKind `json:"kind"`
	Authoritative bool      `json:"authoritative"`
	EnqueuedAt    time.Time `json:"enqueued_at"`

	Player  *model.Player         `json:"player,omitempty"`
	Rating  *model.RatingRow      `json:"rating,omitempty"`
	Prefs   *model.Preferences    `json:"preferences,omitempty"`
	Match   *model.Match          `json:"match,omitempty"`
	Replay  *model.ReplayArtifact `json:"replay,omitempty"`
	Action  *model.ActionLogEntry `json:"action,omitempty"`
	Command *commandCall          `json:"command,omitempty"`
}

type commandCall struct {
	PlayerID uint64    `json:"player_id"`
	Command  string    `json:"command"`
	At       time.Time `json:"at"`
}

func newJob(kind writeKind, authoritative bool) writeJob {
	return writeJob{
		ID:            uuid.NewString(),
		Kind:          kind,
		Authoritative: authoritative,
		EnqueuedAt:    time.Now(),
	}
}

func (s *Store) enqueue(j writeJob) {
	s.jobs <- j
}

// writeWorker is the single consumer of the write queue. It persists each
// job to SQL; the in-memory mirror is already in place, so readers never
// observe worker latency.
func (s *Store) writeWorker() {
	defer s.workerWG.Done()
	defer close(s.drained)
	for j := range s.jobs {
		s.persist(j)
	}
}

func (s *Store) persist(j writeJob) {
	apply := func() error { return s.applyJob(j) }

	if !j.Authoritative {
		if err := apply(); err != nil {
			s.log.Error("analytics write failed",
				"job", j.ID, "kind", string(j.Kind), "err", err)
			s.appendFailedWrite(j, err)
		}
		return
	}

	// Authoritative rows: retry inline with exponential backoff, three
	// attempts total.
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(apply, bo); err != nil {
		s.log.Error("AUTHORITATIVE WRITE LOST, marking match conflicted",
			"job", j.ID, "kind", string(j.Kind), "err", err)
		s.appendFailedWrite(j, err)
		if j.Match != nil {
			s.markConflictInMemory(j.Match.ID)
		}
	}
}

func (s *Store) applyJob(j writeJob) error {
	switch j.Kind {
	case writePlayer:
		return s.db.UpsertPlayer(*j.Player)
	case writeRating:
		return s.db.UpsertRating(*j.Rating)
	case writePrefs:
		return s.db.UpsertPreferences(*j.Prefs)
	case writeMatch:
		return s.db.UpsertMatch(*j.Match)
	case writeReplay:
		return s.db.UpsertReplay(*j.Replay)
	case writeActionLog:
		return s.db.InsertActionLog(*j.Action)
	case writeCommandCall:
		return s.db.InsertCommandCall(j.Command.PlayerID, j.Command.Command, j.Command.At)
	}
	return nil
}

// appendFailedWrite records the job in the reconciliation log. The
// in-memory mirror is not rolled back: the layer chooses availability over
// durability for these rows.
func (s *Store) appendFailedWrite(j writeJob, cause error) {
	if s.failedPath == "" {
		return
	}
	f, err := os.OpenFile(s.failedPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.log.Error("cannot open failed-writes log", "path", s.failedPath, "err", err)
		return
	}
	defer f.Close()

	rec := struct {
		writeJob
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}{writeJob: j, Error: cause.Error(), FailedAt: time.Now()}

	line, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("cannot marshal failed write", "job", j.ID, "err", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.log.Error("cannot append failed write", "job", j.ID, "err", err)
	}
}

// markConflictInMemory flips a match to conflict after its authoritative
// write was lost, so the ladder stops trusting the result.
func (s *Store) markConflictInMemory(matchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.frame.Load().clone()
	m, ok := next.matches[matchID]
	if !ok {
		return
	}
	cp := *m
	cp.Status = model.StatusConflict
	next.matches[matchID] = &cp
	s.frame.Store(next)
}
