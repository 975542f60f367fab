// Package matchmaker holds the live queue and runs the wave scheduler.
// Pairing trades skill similarity against network proximity, with
// acceptance windows that widen the longer a player waits.
package matchmaker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/guard"
	"github.com/evoladder/evoladder/internal/model"
)

// WavePeriod is the scheduling tick interval.
const WavePeriod = 45 * time.Second

// absolutePingVeto rejects any pair at or above this penalty regardless
// of wait cycles.
const absolutePingVeto = 300

// window is one row of the widening table.
type window struct {
	maxMMRDiff int
	maxPing    int
}

// windows maps wait cycles to acceptance windows; entries past the end
// use the last row.
var windows = []window{
	{100, 100},
	{200, 150},
	{350, 200},
	{500, 300},
}

func windowFor(waitCycles int) window {
	if waitCycles >= len(windows) {
		return windows[len(windows)-1]
	}
	return windows[waitCycles]
}

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evoladder",
		Subsystem: "matchmaker",
		Name:      "queue_depth",
		Help:      "Players currently waiting in the queue.",
	})
	pairsMade = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evoladder",
		Subsystem: "matchmaker",
		Name:      "pairs_total",
		Help:      "Matches created by the wave scheduler.",
	})
)

// entry is one queued player. Ephemeral, never persisted.
type entry struct {
	playerID   uint64
	races      []model.Race
	vetoes     []string
	region     string
	mmr        map[model.Race]int
	waitCycles int
	enqueuedAt time.Time
}

// Matchmaker owns the queue map and the wave loop.
type Matchmaker struct {
	store *data.Store
	cat   *catalog.Catalog
	bus   *bus.Bus
	log   *slog.Logger
	rng   *rand.Rand
	clock func() time.Time

	mu    sync.Mutex
	queue map[uint64]*entry
}

// Option tweaks construction.
type Option func(*Matchmaker)

// WithRand overrides the map-selection randomness, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(m *Matchmaker) { m.rng = rng }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Matchmaker) { m.clock = clock }
}

func New(store *data.Store, cat *catalog.Catalog, b *bus.Bus, log *slog.Logger, opts ...Option) *Matchmaker {
	m := &Matchmaker{
		store: store,
		cat:   cat,
		bus:   b,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		clock: time.Now,
		queue: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join validates the selection and inserts the player into the queue.
// The selection is also saved as the player's preferences for next time.
func (m *Matchmaker) Join(playerID uint64, races []model.Race, vetoes []string) error {
	if err := guard.ValidRaces(races); err != nil {
		return err
	}
	if err := guard.ValidVetoes(vetoes, m.cat); err != nil {
		return err
	}
	p, ok := m.store.GetPlayer(playerID)
	if !ok || !p.SetupDone {
		return errs.State("complete your profile before queueing")
	}
	if !m.cat.ValidRegion(p.Region) {
		return errs.Validation("profile region %q is not a known region", p.Region)
	}
	if _, open := m.store.OpenMatchFor(playerID); open {
		return errs.State("finish your current match before queueing again")
	}

	mmr := make(map[model.Race]int, len(races))
	for _, r := range races {
		if row, ok := m.store.GetRating(playerID, r); ok {
			mmr[r] = row.MMR
		} else {
			mmr[r] = model.InitialMMR
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, queued := m.queue[playerID]; queued {
		return errs.State("already in the queue")
	}
	m.queue[playerID] = &entry{
		playerID:   playerID,
		races:      races,
		vetoes:     vetoes,
		region:     p.Region,
		mmr:        mmr,
		enqueuedAt: m.clock(),
	}
	queueDepth.Set(float64(len(m.queue)))

	m.store.SetPreferences(playerID, races, vetoes)
	return nil
}

// Leave removes the player between waves. If the current wave already
// chose the player, the pairing stands.
func (m *Matchmaker) Leave(playerID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[playerID]; !ok {
		return false
	}
	delete(m.queue, playerID)
	queueDepth.Set(float64(len(m.queue)))
	return true
}

// Queued reports whether the player is waiting.
func (m *Matchmaker) Queued(playerID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queue[playerID]
	return ok
}

// Run ticks the wave scheduler until ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	t := time.NewTicker(WavePeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.RunWave()
		}
	}
}

// candidate is one feasible pairing considered by a wave.
type candidate struct {
	a, b *entry
	race model.Race
	ping int
	cost float64
}

// RunWave performs one scheduling pass: snapshot the queue, pair greedily
// by ascending cost, commit each pair, and age the leftovers.
func (m *Matchmaker) RunWave() {
	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.queue))
	for _, e := range m.queue {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	cands := m.feasiblePairs(snapshot)
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].cost != cands[j].cost {
			return cands[i].cost < cands[j].cost
		}
		wi, wj := maxWait(cands[i]), maxWait(cands[j])
		if wi != wj {
			return wi > wj
		}
		return minID(cands[i]) < minID(cands[j])
	})

	taken := make(map[uint64]bool)
	for _, c := range cands {
		if taken[c.a.playerID] || taken[c.b.playerID] {
			continue
		}
		taken[c.a.playerID] = true
		taken[c.b.playerID] = true
		m.commitPair(c)
	}

	m.mu.Lock()
	for _, e := range snapshot {
		if taken[e.playerID] {
			delete(m.queue, e.playerID)
			continue
		}
		// Only age entries still queued; a player may have left mid-wave.
		if cur, ok := m.queue[e.playerID]; ok && cur == e {
			cur.waitCycles++
		}
	}
	queueDepth.Set(float64(len(m.queue)))
	m.mu.Unlock()
}

func maxWait(c candidate) int {
	if c.a.waitCycles > c.b.waitCycles {
		return c.a.waitCycles
	}
	return c.b.waitCycles
}

func minID(c candidate) uint64 {
	if c.a.playerID < c.b.playerID {
		return c.a.playerID
	}
	return c.b.playerID
}

func (m *Matchmaker) feasiblePairs(snapshot []*entry) []candidate {
	var out []candidate
	for i := 0; i < len(snapshot); i++ {
		for j := i + 1; j < len(snapshot); j++ {
			if c, ok := m.feasible(snapshot[i], snapshot[j]); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// feasible checks a pair against the shared-race, MMR-window, and ping
// rules, and returns the pairing candidate with its cost.
func (m *Matchmaker) feasible(a, b *entry) (candidate, bool) {
	if a.playerID == b.playerID {
		return candidate{}, false
	}
	ping, err := m.cat.PingPenalty(a.region, b.region)
	if err != nil {
		m.log.Warn("ping lookup failed", "a", a.region, "b", b.region, "err", err)
		return candidate{}, false
	}
	if ping >= absolutePingVeto {
		return candidate{}, false
	}

	// The longer waiter's window applies: a fresh entry can still pair
	// with someone whose window has widened.
	wa, wb := windowFor(a.waitCycles), windowFor(b.waitCycles)
	maxDiff := wa.maxMMRDiff
	if wb.maxMMRDiff > maxDiff {
		maxDiff = wb.maxMMRDiff
	}
	maxPing := wa.maxPing
	if wb.maxPing > maxPing {
		maxPing = wb.maxPing
	}
	if ping > maxPing {
		return candidate{}, false
	}

	// Pick the shared race with the smallest MMR gap, lexicographic on
	// ties for determinism.
	bestRace := model.Race("")
	bestDiff := 0
	for _, r := range a.races {
		bm, ok := b.mmr[r]
		if !ok {
			continue
		}
		diff := a.mmr[r] - bm
		if diff < 0 {
			diff = -diff
		}
		if bestRace == "" || diff < bestDiff || (diff == bestDiff && r < bestRace) {
			bestRace, bestDiff = r, diff
		}
	}
	if bestRace == "" || bestDiff > maxDiff {
		return candidate{}, false
	}

	return candidate{
		a: a, b: b, race: bestRace, ping: ping,
		cost: pairCost(a.mmr[bestRace], b.mmr[bestRace], bestDiff, ping, maxWaitOf(a, b)),
	}, true
}

func maxWaitOf(a, b *entry) int {
	if a.waitCycles > b.waitCycles {
		return a.waitCycles
	}
	return b.waitCycles
}

// pairCost blends the MMR gap and the ping penalty. The weights follow
// the lower of the two MMRs: low-rated players care about ping, high-rated
// players care about skill parity. Longer waits attenuate the ping weight.
func pairCost(mmrA, mmrB, diff, ping, waitCycles int) float64 {
	lower := mmrA
	if mmrB < lower {
		lower = mmrB
	}
	var pingW, mmrW float64
	switch {
	case lower < 1200:
		pingW, mmrW = 0.75, 0.25
	case lower < 1800:
		pingW, mmrW = 0.50, 0.50
	default:
		pingW, mmrW = 0.25, 0.75
	}
	pingW *= 1 - math.Min(0.3, 0.1*float64(waitCycles))
	return mmrW*float64(diff) + pingW*float64(ping)
}

// commitPair creates the match and announces it. A panic in one pair must
// not poison the rest of the wave.
func (m *Matchmaker) commitPair(c candidate) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("pair commit panicked",
				"p1", c.a.playerID, "p2", c.b.playerID, "panic", r)
		}
	}()

	mapName := m.pickMap(c.a.vetoes, c.b.vetoes)
	server, err := m.cat.ServerFor(c.a.region, c.b.region)
	if err != nil {
		m.log.Error("server assignment failed",
			"a", c.a.region, "b", c.b.region, "err", err)
		return
	}

	match := m.store.CreateMatch(
		model.MatchSide{PlayerID: c.a.playerID, Race: c.race},
		model.MatchSide{PlayerID: c.b.playerID, Race: c.race},
		mapName, server,
	)
	pairsMade.Inc()
	m.log.Info("match found",
		"match", match.ID, "p1", c.a.playerID, "p2", c.b.playerID,
		"race", c.race, "map", mapName, "server", server, "ping", c.ping)

	m.bus.Publish(bus.Event{
		Kind:    bus.MatchFound,
		MatchID: match.ID,
		Match:   match,
		At:      m.clock(),
	})
}

// pickMap draws uniformly from the active pool minus both veto sets,
// falling back to the full pool when the vetoes exhaust it.
func (m *Matchmaker) pickMap(vetoA, vetoB []string) string {
	pool := m.cat.ActiveMaps()
	vetoed := make(map[string]bool, len(vetoA)+len(vetoB))
	for _, v := range vetoA {
		vetoed[v] = true
	}
	for _, v := range vetoB {
		vetoed[v] = true
	}
	var open []string
	for _, name := range pool {
		if !vetoed[name] {
			open = append(open, name)
		}
	}
	if len(open) == 0 {
		open = pool
	}
	return open[m.rng.Intn(len(open))]
}
