// Package leaderboard derives the ranked ladder view from the rating
// rows. The view is a materialized immutable snapshot, refreshed by a
// background ticker or on invalidation, and queried with filters and
// pagination.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/rating"
)

const (
	// RefreshPeriod is the scheduled refresh interval.
	RefreshPeriod = 60 * time.Second

	// MaxPageSize caps rows per page.
	MaxPageSize = 40
	// MaxPages caps the exposed depth; rows beyond page 25 are truncated.
	MaxPages = 25
)

var refreshSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "evoladder",
	Subsystem: "leaderboard",
	Name:      "refresh_seconds",
	Help:      "Duration of leaderboard snapshot refreshes.",
})

// Source is the slice of the data layer the engine reads.
type Source interface {
	AllRatings() []model.RatingRow
	PlayerName(id uint64) string
	PlayerCountry(id uint64) string
}

// Row is one display row of the materialized view.
type Row struct {
	Rank       int
	Tier       model.Tier
	PlayerID   uint64
	Name       string
	Country    string
	Race       model.Race
	MMR        int
	Games      int
	Wins       int
	Losses     int
	Draws      int
	LastPlayed time.Time
}

// Filters narrows a leaderboard query. Zero values mean "no filter".
type Filters struct {
	Country      string
	Races        []model.Race
	Rank         model.Tier
	BestRaceOnly bool
}

// Page is one page of query results.
type Page struct {
	Rows       []Row
	Page       int
	PageSize   int
	TotalRows  int
	TotalPages int
}

type snapshot struct {
	rows        []Row // ranked rows, MMR descending
	refreshedAt time.Time
}

// Engine holds the current snapshot and serves queries from it.
type Engine struct {
	src Source
	log *slog.Logger

	snap  atomic.Pointer[snapshot]
	stale atomic.Bool
	sf    singleflight.Group
}

func New(src Source, log *slog.Logger) *Engine {
	e := &Engine{src: src, log: log}
	e.stale.Store(true)
	return e
}

// Run refreshes the snapshot on a fixed period until ctx is cancelled.
// The invalidation path marks the snapshot stale instead; the next query
// refreshes it.
func (e *Engine) Run(ctx context.Context) {
	e.refresh()
	t := time.NewTicker(RefreshPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.refresh()
		}
	}
}

// Invalidate marks the snapshot stale after rating rows changed.
func (e *Engine) Invalidate() { e.stale.Store(true) }

// refresh builds and swaps in a new snapshot. Concurrent callers share
// one in-flight rebuild.
func (e *Engine) refresh() {
	e.sf.Do("refresh", func() (any, error) {
		start := time.Now()
		e.snap.Store(e.build())
		e.stale.Store(false)
		refreshSeconds.Observe(time.Since(start).Seconds())
		e.log.Debug("leaderboard refreshed", "took", time.Since(start))
		return nil, nil
	})
}

// build computes the ranked view from the current rating rows. Ranked
// rows (at least one game) come first in MMR order with tiers assigned by
// percentile position; zero-game rows trail as unranked.
func (e *Engine) build() *snapshot {
	src := e.src.AllRatings()

	var ranked, unranked []Row
	for _, r := range src {
		row := Row{
			PlayerID:   r.PlayerID,
			Name:       e.src.PlayerName(r.PlayerID),
			Country:    e.src.PlayerCountry(r.PlayerID),
			Race:       r.Race,
			MMR:        r.MMR,
			Games:      r.Games,
			Wins:       r.Wins,
			Losses:     r.Losses,
			Draws:      r.Draws,
			LastPlayed: r.LastPlayed,
		}
		if r.Games == 0 {
			row.Tier = model.TierU
			unranked = append(unranked, row)
			continue
		}
		ranked = append(ranked, row)
	}

	// MMR descending; equal MMRs keep row creation order, which
	// AllRatings already provides.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MMR > ranked[j].MMR
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
		ranked[i].Tier = rating.TierForPosition(i, len(ranked))
	}

	rows := append(ranked, unranked...)
	return &snapshot{rows: rows, refreshedAt: time.Now()}
}

// current returns a usable snapshot, rebuilding inline when the engine is
// stale or has never refreshed.
func (e *Engine) current() *snapshot {
	if e.stale.Load() || e.snap.Load() == nil {
		e.refresh()
	}
	return e.snap.Load()
}

// Query applies filters and paginates. page is 1-based. The best-race
// reduction runs before any other filter: one row per player (highest
// MMR, most recent last_played on ties, then lexicographic race), then
// country, race, and rank filters apply to the survivors.
func (e *Engine) Query(f Filters, page, pageSize int) Page {
	snap := e.current()
	rows := snap.rows

	if f.BestRaceOnly {
		rows = bestRacePerPlayer(rows)
	}
	rows = applyFilters(rows, f)

	if depth := MaxPageSize * MaxPages; len(rows) > depth {
		rows = rows[:depth]
	}

	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	total := len(rows)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	lo := (page - 1) * pageSize
	hi := lo + pageSize
	if lo > total {
		lo = total
	}
	if hi > total {
		hi = total
	}

	out := make([]Row, hi-lo)
	copy(out, rows[lo:hi])
	return Page{
		Rows:       out,
		Page:       page,
		PageSize:   pageSize,
		TotalRows:  total,
		TotalPages: totalPages,
	}
}

// RefreshedAt reports when the current snapshot was built.
func (e *Engine) RefreshedAt() time.Time {
	if s := e.snap.Load(); s != nil {
		return s.refreshedAt
	}
	return time.Time{}
}

func bestRacePerPlayer(rows []Row) []Row {
	best := make(map[uint64]Row, len(rows))
	for _, r := range rows {
		cur, ok := best[r.PlayerID]
		if !ok || better(r, cur) {
			best[r.PlayerID] = r
		}
	}
	out := make([]Row, 0, len(best))
	for _, r := range rows {
		if best[r.PlayerID] == r {
			out = append(out, r)
			delete(best, r.PlayerID)
		}
	}
	return out
}

// better reports whether a beats b as a player's best race.
func better(a, b Row) bool {
	if a.MMR != b.MMR {
		return a.MMR > b.MMR
	}
	if !a.LastPlayed.Equal(b.LastPlayed) {
		return a.LastPlayed.After(b.LastPlayed)
	}
	return a.Race < b.Race
}

func applyFilters(rows []Row, f Filters) []Row {
	raceSet := map[model.Race]bool{}
	for _, r := range f.Races {
		raceSet[r] = true
	}

	var out []Row
	for _, r := range rows {
		if f.Country != "" && r.Country != f.Country {
			continue
		}
		if len(raceSet) > 0 && !raceSet[r.Race] {
			continue
		}
		if f.Rank != "" && r.Tier != f.Rank {
			continue
		}
		if f.Rank == "" && r.Tier == model.TierU {
			// Unranked rows are hidden unless explicitly requested.
			continue
		}
		out = append(out, r)
	}
	return out
}
