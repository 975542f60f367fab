package replay

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/lifecycle"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/objstore"
	"github.com/evoladder/evoladder/internal/sqlstore"
)

type fakeParser struct {
	err error
}

func (p fakeParser) Parse(blob []byte) (Parsed, error) {
	if p.err != nil {
		return Parsed{}, p.err
	}
	return Parsed{Duration: 14 * time.Minute, MapName: "Eclipse"}, nil
}

type fixture struct {
	store *data.Store
	bus   *bus.Bus
	svc   *Service
}

func newFixture(t *testing.T, parser Parser) *fixture {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := data.New(db, "", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Close(ctx)
	})

	b := bus.New()
	t.Cleanup(b.Close)

	coord := lifecycle.New(store, b, slog.New(slog.DiscardHandler))
	svc := NewService(store, coord, b, parser,
		nil, objstore.NewLocalStore(t.TempDir()), 2, slog.New(slog.DiscardHandler))
	t.Cleanup(svc.Close)

	return &fixture{store: store, bus: b, svc: svc}
}

func (f *fixture) startMatch(p1, p2 uint64) model.Match {
	f.store.EnsurePlayer(p1)
	f.store.EnsurePlayer(p2)
	return f.store.CreateMatch(
		model.MatchSide{PlayerID: p1, Race: model.RaceSC2Terran},
		model.MatchSide{PlayerID: p2, Race: model.RaceSC2Terran},
		"Eclipse", "us-east",
	)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m := f.startMatch(1, 2)

	cases := []struct {
		name     string
		filename string
		blob     []byte
	}{
		{"wrong extension", "game.rep", []byte("x")},
		{"empty blob", "game.SC2Replay", nil},
		{"oversized", "game.SC2Replay", make([]byte, MaxSize+1)},
	}
	for _, tc := range cases {
		err := f.svc.Ingest(m.ID, 1, tc.filename, tc.blob)
		if errs.KindOf(err) != errs.KindValidation {
			t.Errorf("%s: got %v, want validation error", tc.name, err)
		}
	}

	if err := f.svc.Ingest(404, 1, "game.SC2Replay", []byte("x")); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("unknown match: got %v", err)
	}
	if err := f.svc.Ingest(m.ID, 99, "game.SC2Replay", []byte("x")); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("non-participant: got %v", err)
	}
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m := f.startMatch(1, 2)
	sub := f.bus.Subscribe(m.ID, 2)

	if err := f.svc.Ingest(m.ID, 1, "Game.sc2replay", []byte("replay-bytes")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	waitFor(t, "replay recorded", func() bool {
		got, _ := f.store.GetMatch(m.ID)
		return got.P1.ReplayHash != ""
	})

	got, _ := f.store.GetMatch(m.ID)
	if _, ok := f.store.MatchForReplayHash(got.P1.ReplayHash); !ok {
		t.Error("hash not indexed")
	}

	waitFor(t, "replay_uploaded event", func() bool {
		select {
		case ev := <-sub.Events():
			return ev.Kind == bus.ReplayUploaded && ev.ActorID == 1
		default:
			return false
		}
	})
}

func TestHashCollisionConflictsMatch(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m1 := f.startMatch(1, 2)
	m2 := f.startMatch(3, 4)

	blob := []byte("the-same-replay")
	if err := f.svc.Ingest(m1.ID, 1, "a.SC2Replay", blob); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	waitFor(t, "first replay recorded", func() bool {
		got, _ := f.store.GetMatch(m1.ID)
		return got.P1.ReplayHash != ""
	})

	err := f.svc.Ingest(m2.ID, 3, "b.SC2Replay", blob)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("got %v, want conflict error", err)
	}

	got, _ := f.store.GetMatch(m2.ID)
	if got.Status != model.StatusConflict {
		t.Errorf("match 2 status = %s, want conflict", got.Status)
	}
	if first, _ := f.store.GetMatch(m1.ID); first.Status != model.StatusPending {
		t.Errorf("match 1 status = %s, the original match is unaffected", first.Status)
	}
}

func TestRecordTimeCollisionConflictsMatch(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m1 := f.startMatch(1, 2)
	m2 := f.startMatch(3, 4)

	// With several workers, both uploads can clear the ingest pre-check
	// before either record lands; the store's re-check catches the loser.
	hash := strings.Repeat("ab", 32)
	f.svc.process(job{matchID: m1.ID, playerID: 1, ext: ".SC2Replay", hash: hash, blob: []byte("x")})
	f.svc.process(job{matchID: m2.ID, playerID: 3, ext: ".SC2Replay", hash: hash, blob: []byte("x")})

	if owner, _ := f.store.MatchForReplayHash(hash); owner != m1.ID {
		t.Errorf("hash owner = %d, want %d", owner, m1.ID)
	}
	got, _ := f.store.GetMatch(m2.ID)
	if got.Status != model.StatusConflict {
		t.Errorf("match 2 status = %s, want conflict", got.Status)
	}
	if got.P1.ReplayHash != "" {
		t.Errorf("match 2 recorded hash %q", got.P1.ReplayHash)
	}
	if first, _ := f.store.GetMatch(m1.ID); first.Status != model.StatusPending {
		t.Errorf("match 1 status = %s, want pending", first.Status)
	}
}

func TestSameMatchReuploadAllowed(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m := f.startMatch(1, 2)

	blob := []byte("replay-bytes")
	if err := f.svc.Ingest(m.ID, 1, "a.SC2Replay", blob); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	waitFor(t, "first upload", func() bool {
		got, _ := f.store.GetMatch(m.ID)
		return got.P1.ReplayHash != ""
	})

	// The opponent uploads the identical file for the same match.
	if err := f.svc.Ingest(m.ID, 2, "b.SC2Replay", blob); err != nil {
		t.Fatalf("same-match duplicate rejected: %v", err)
	}
	waitFor(t, "second upload", func() bool {
		got, _ := f.store.GetMatch(m.ID)
		return got.P2.ReplayHash != ""
	})
}

func TestParseFailureStoresNothing(t *testing.T) {
	f := newFixture(t, fakeParser{err: errs.New(errs.KindUpstream, "corrupt archive")})
	m := f.startMatch(1, 2)

	if err := f.svc.Ingest(m.ID, 1, "a.SC2Replay", []byte("junk")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.svc.Close() // drain the pool

	got, _ := f.store.GetMatch(m.ID)
	if got.P1.ReplayHash != "" {
		t.Error("unparseable replay was recorded")
	}
}

func TestFallbackStorage(t *testing.T) {
	f := newFixture(t, fakeParser{})
	m := f.startMatch(1, 2)

	if err := f.svc.Ingest(m.ID, 1, "a.SC2Replay", []byte("replay-bytes")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.svc.Close()

	got, _ := f.store.GetMatch(m.ID)
	if got.P1.ReplayHash == "" {
		t.Fatal("replay not recorded")
	}
	// No primary store configured: the blob must land in the local
	// fallback with a file:// URL.
	id, _ := f.store.MatchForReplayHash(got.P1.ReplayHash)
	if id != m.ID {
		t.Errorf("hash owner = %d", id)
	}
}
