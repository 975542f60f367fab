// Package replay ingests uploaded replay binaries: validation and
// hashing happen on the caller, parsing and storage run on a worker
// pool, and the result lands in the data layer as a ReplayArtifact.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/objstore"
)

// MaxSize caps an upload at 10 MiB.
const MaxSize = 10 << 20

// validExt is the accepted replay extension, compared case-insensitively.
const validExt = ".sc2replay"

var ingested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "evoladder",
	Subsystem: "replay",
	Name:      "ingested_total",
	Help:      "Replay ingestion outcomes.",
}, []string{"outcome"})

// conflictMarker is the slice of the lifecycle coordinator ingestion
// needs.
type conflictMarker interface {
	MarkConflict(matchID int64) error
}

type job struct {
	matchID  int64
	playerID uint64
	ext      string
	hash     string
	blob     []byte
}

// Service owns the ingestion pipeline.
type Service struct {
	store    *data.Store
	coord    conflictMarker
	bus      *bus.Bus
	parser   Parser
	primary  objstore.Store
	fallback objstore.Store
	log      *slog.Logger
	clock    func() time.Time

	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
}

// Option tweaks construction.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService builds the pipeline and starts the parse workers. primary
// may be nil, in which case every blob lands in the fallback store.
func NewService(store *data.Store, coord conflictMarker, b *bus.Bus, parser Parser,
	primary, fallback objstore.Store, workers int, log *slog.Logger, opts ...Option) *Service {
	if workers < 1 {
		workers = 1
	}
	s := &Service{
		store:    store,
		coord:    coord,
		bus:      b,
		parser:   parser,
		primary:  primary,
		fallback: fallback,
		log:      log,
		clock:    time.Now,
		jobs:     make(chan job, workers*4),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Close stops accepting uploads and waits for in-flight jobs.
func (s *Service) Close() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// Ingest validates and hashes the upload synchronously, then hands the
// blob to the worker pool. A hash already attached to a different match
// is a cheating signal: the current match is conflicted and nothing is
// stored.
func (s *Service) Ingest(matchID int64, playerID uint64, filename string, blob []byte) error {
	ext := filepath.Ext(filename)
	if !strings.EqualFold(ext, validExt) {
		ingested.WithLabelValues("bad_extension").Inc()
		return errs.Validation("expected a %s file, got %q", validExt, filename)
	}
	if len(blob) == 0 {
		ingested.WithLabelValues("empty").Inc()
		return errs.Validation("empty upload")
	}
	if len(blob) > MaxSize {
		ingested.WithLabelValues("too_large").Inc()
		return errs.Validation("replay exceeds %d MiB", MaxSize>>20)
	}

	m, ok := s.store.GetMatch(matchID)
	if !ok {
		return errs.NotFound("match %d", matchID)
	}
	if m.Side(playerID) == nil {
		return errs.Validation("player %d is not in match %d", playerID, matchID)
	}
	if m.Status.Terminal() {
		return errs.State("match %d already ended (%s)", matchID, m.Status)
	}

	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	if owner, ok := s.store.MatchForReplayHash(hash); ok && owner != matchID {
		s.log.Warn("replay hash collision across matches",
			"hash", hash, "match", matchID, "owner", owner, "uploader", playerID)
		ingested.WithLabelValues("hash_conflict").Inc()
		if err := s.coord.MarkConflict(matchID); err != nil {
			s.log.Error("conflict transition failed", "match", matchID, "err", err)
		}
		return errs.Conflict("replay already belongs to match %d", owner)
	}

	s.jobs <- job{matchID: matchID, playerID: playerID, ext: ext, hash: hash, blob: blob}
	return nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.process(j)
	}
}

// process parses, stores, and records one upload.
func (s *Service) process(j job) {
	parsed, err := s.parser.Parse(j.blob)
	if err != nil {
		s.log.Error("replay parse failed",
			"match", j.matchID, "uploader", j.playerID, "err", err)
		ingested.WithLabelValues("parse_error").Inc()
		return
	}

	key := objstore.Key(j.matchID, j.playerID, j.ext)
	url := s.upload(key, j.blob)

	artifact := model.ReplayArtifact{
		Hash:       j.hash,
		MatchID:    j.matchID,
		UploaderID: j.playerID,
		UploadedAt: s.clock(),
		Duration:   parsed.Duration,
		MapName:    parsed.MapName,
		StorageURL: url,
	}
	if err := s.store.RecordReplay(j.matchID, j.playerID, artifact); err != nil {
		// The pre-check in Ingest races against other workers; the store
		// re-checks the hash binding and a lost race lands here.
		if errs.KindOf(err) == errs.KindConflict {
			s.log.Warn("replay hash collision across matches",
				"hash", j.hash, "match", j.matchID, "uploader", j.playerID)
			ingested.WithLabelValues("hash_conflict").Inc()
			if cerr := s.coord.MarkConflict(j.matchID); cerr != nil {
				s.log.Error("conflict transition failed", "match", j.matchID, "err", cerr)
			}
			return
		}
		s.log.Error("record replay failed",
			"match", j.matchID, "uploader", j.playerID, "err", err)
		ingested.WithLabelValues("record_error").Inc()
		return
	}
	ingested.WithLabelValues("ok").Inc()

	m, _ := s.store.GetMatch(j.matchID)
	s.bus.Publish(bus.Event{
		Kind:    bus.ReplayUploaded,
		MatchID: j.matchID,
		Match:   m,
		ActorID: j.playerID,
		At:      s.clock(),
	})
}

// upload tries the primary store and falls back to the local one. The
// fallback failing too leaves the artifact without a stored binary; the
// row is still recorded.
func (s *Service) upload(key string, blob []byte) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if s.primary != nil {
		url, err := s.primary.Upload(ctx, key, blob)
		if err == nil {
			return url
		}
		s.log.Warn("object store upload failed, using fallback", "key", key, "err", err)
	}
	if s.fallback != nil {
		url, err := s.fallback.Upload(ctx, key, blob)
		if err == nil {
			return url
		}
		s.log.Error("fallback store failed", "key", key, "err", err)
	}
	return ""
}
