package leaderboard

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/evoladder/evoladder/internal/model"
)

type fakeSource struct {
	rows      []model.RatingRow
	countries map[uint64]string
}

func (f *fakeSource) AllRatings() []model.RatingRow { return f.rows }
func (f *fakeSource) PlayerName(id uint64) string   { return fmt.Sprintf("player%d", id) }
func (f *fakeSource) PlayerCountry(id uint64) string {
	if c, ok := f.countries[id]; ok {
		return c
	}
	return "KR"
}

func newEngine(src *fakeSource) *Engine {
	return New(src, slog.New(slog.DiscardHandler))
}

func row(id uint64, race model.Race, mmr, games int) model.RatingRow {
	return model.RatingRow{PlayerID: id, Race: race, MMR: mmr, Games: games, Wins: games}
}

func TestRanksDescendByMMR(t *testing.T) {
	src := &fakeSource{rows: []model.RatingRow{
		row(1, model.RaceBWTerran, 1500, 10),
		row(2, model.RaceBWZerg, 1900, 10),
		row(3, model.RaceSC2Protoss, 1200, 10),
	}}
	p := newEngine(src).Query(Filters{}, 1, 40)

	if len(p.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(p.Rows))
	}
	for i, want := range []uint64{2, 1, 3} {
		if p.Rows[i].PlayerID != want {
			t.Errorf("position %d: player %d, want %d", i, p.Rows[i].PlayerID, want)
		}
		if p.Rows[i].Rank != i+1 {
			t.Errorf("position %d: rank %d, want %d", i, p.Rows[i].Rank, i+1)
		}
	}
}

func TestUnrankedHiddenUnlessRequested(t *testing.T) {
	src := &fakeSource{rows: []model.RatingRow{
		row(1, model.RaceBWTerran, 1500, 10),
		row(2, model.RaceBWZerg, 1200, 0), // never played
	}}
	e := newEngine(src)

	if p := e.Query(Filters{}, 1, 40); len(p.Rows) != 1 {
		t.Errorf("default query rows = %d, want 1", len(p.Rows))
	}
	p := e.Query(Filters{Rank: model.TierU}, 1, 40)
	if len(p.Rows) != 1 || p.Rows[0].PlayerID != 2 {
		t.Errorf("rank=U query = %+v, want the unplayed row", p.Rows)
	}
}

func TestBestRaceBeforeFilters(t *testing.T) {
	// Player 1's best race is bw_terran; a race filter for bw_zerg must
	// not resurrect the weaker row.
	src := &fakeSource{rows: []model.RatingRow{
		row(1, model.RaceBWTerran, 1800, 10),
		row(1, model.RaceBWZerg, 1400, 10),
		row(2, model.RaceBWZerg, 1600, 10),
	}}
	e := newEngine(src)

	p := e.Query(Filters{BestRaceOnly: true, Races: []model.Race{model.RaceBWZerg}}, 1, 40)
	if len(p.Rows) != 1 || p.Rows[0].PlayerID != 2 {
		t.Fatalf("got %+v, want only player 2's zerg row", p.Rows)
	}
}

func TestBestRaceTieBreaks(t *testing.T) {
	older := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	a := row(1, model.RaceSC2Zerg, 1500, 5)
	a.LastPlayed = newer
	b := row(1, model.RaceBWTerran, 1500, 5)
	b.LastPlayed = older
	src := &fakeSource{rows: []model.RatingRow{a, b}}

	p := newEngine(src).Query(Filters{BestRaceOnly: true}, 1, 40)
	if len(p.Rows) != 1 || p.Rows[0].Race != model.RaceSC2Zerg {
		t.Errorf("most recent race should win the tie, got %+v", p.Rows)
	}

	// Identical last_played: lexicographically smaller code wins.
	b.LastPlayed = newer
	src.rows = []model.RatingRow{a, b}
	e := newEngine(src)
	p = e.Query(Filters{BestRaceOnly: true}, 1, 40)
	if len(p.Rows) != 1 || p.Rows[0].Race != model.RaceBWTerran {
		t.Errorf("lexicographic tie-break failed, got %+v", p.Rows)
	}
}

func TestInvalidationRefreshesOnNextQuery(t *testing.T) {
	src := &fakeSource{rows: []model.RatingRow{row(1, model.RaceBWTerran, 1500, 10)}}
	e := newEngine(src)

	if p := e.Query(Filters{}, 1, 40); len(p.Rows) != 1 {
		t.Fatalf("initial rows = %d", len(p.Rows))
	}

	src.rows = append(src.rows, row(2, model.RaceBWZerg, 1600, 10))
	if p := e.Query(Filters{}, 1, 40); len(p.Rows) != 1 {
		t.Error("stale snapshot rebuilt without invalidation")
	}

	e.Invalidate()
	if p := e.Query(Filters{}, 1, 40); len(p.Rows) != 2 {
		t.Error("snapshot not refreshed after invalidation")
	}
}

func TestPagination(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 95; i++ {
		src.rows = append(src.rows, row(uint64(i+1), model.RaceBWTerran, 2000-i, 5))
	}
	e := newEngine(src)

	p1 := e.Query(Filters{}, 1, 40)
	if len(p1.Rows) != 40 || p1.TotalPages != 3 || p1.TotalRows != 95 {
		t.Errorf("page 1 = %d rows, %d pages, %d total", len(p1.Rows), p1.TotalPages, p1.TotalRows)
	}
	p3 := e.Query(Filters{}, 3, 40)
	if len(p3.Rows) != 15 {
		t.Errorf("page 3 rows = %d, want 15", len(p3.Rows))
	}
	if p3.Rows[0].Rank != 81 {
		t.Errorf("page 3 first rank = %d, want 81", p3.Rows[0].Rank)
	}
	// Requests beyond the last page clamp to it.
	if p := e.Query(Filters{}, 99, 40); p.Page != 3 {
		t.Errorf("clamped page = %d, want 3", p.Page)
	}
	// Oversized page size clamps to the cap.
	if p := e.Query(Filters{}, 1, 500); p.PageSize != MaxPageSize {
		t.Errorf("page size = %d, want %d", p.PageSize, MaxPageSize)
	}
}

func TestDepthTruncation(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 1200; i++ {
		src.rows = append(src.rows, row(uint64(i+1), model.RaceBWTerran, 3000-i, 5))
	}
	p := newEngine(src).Query(Filters{}, 1, 40)
	if p.TotalRows != MaxPageSize*MaxPages {
		t.Errorf("total rows = %d, want %d", p.TotalRows, MaxPageSize*MaxPages)
	}
	if p.TotalPages != MaxPages {
		t.Errorf("total pages = %d, want %d", p.TotalPages, MaxPages)
	}
}

// The rank-tier partition property: with best_race_only set, summing the
// per-tier counts over every ranked tier reproduces the unfiltered count.
func TestTierPartition(t *testing.T) {
	src := &fakeSource{countries: map[uint64]string{}}
	const players = 256
	races := model.Races
	n := 0
	for p := 1; p <= players; p++ {
		// Between 1 and 6 races per player, 1081 rows total is not
		// required; any shape must satisfy the property.
		for r := 0; r <= p%6; r++ {
			src.rows = append(src.rows, row(uint64(p), races[r], 800+(p*37+r*211)%1600, 1+p%9))
			n++
		}
	}
	if n <= players {
		t.Fatalf("degenerate dataset: %d rows", n)
	}
	e := newEngine(src)

	base := e.Query(Filters{BestRaceOnly: true}, 1, 40)
	if base.TotalRows != players {
		t.Fatalf("best_race_only rows = %d, want %d", base.TotalRows, players)
	}

	sum := 0
	for _, tier := range model.Tiers {
		p := e.Query(Filters{BestRaceOnly: true, Rank: tier}, 1, 40)
		sum += p.TotalRows
	}
	if sum != players {
		t.Errorf("per-tier counts sum to %d, want %d", sum, players)
	}
}
