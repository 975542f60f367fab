package model

import "time"

// Race identifies one of the six ladder sub-games (race families).
type Race string

const (
	RaceBWTerran   Race = "bw_terran"
	RaceBWProtoss  Race = "bw_protoss"
	RaceBWZerg     Race = "bw_zerg"
	RaceSC2Terran  Race = "sc2_terran"
	RaceSC2Protoss Race = "sc2_protoss"
	RaceSC2Zerg    Race = "sc2_zerg"
)

// Races lists every valid race code in canonical order.
var Races = []Race{
	RaceBWTerran, RaceBWProtoss, RaceBWZerg,
	RaceSC2Terran, RaceSC2Protoss, RaceSC2Zerg,
}

// Valid reports whether r is one of the six known race codes.
func (r Race) Valid() bool {
	for _, known := range Races {
		if r == known {
			return true
		}
	}
	return false
}

func (r Race) String() string { return string(r) }

// InitialMMR is the rating assigned on a player's first match in a race.
const InitialMMR = 1200

// AbortQuotaPerMonth is the number of aborts a player may consume per
// calendar month before further aborts are rejected.
const AbortQuotaPerMonth = 3

// CountryPrivate are the sentinel country codes meaning "do not display".
var CountryPrivate = map[string]bool{"XX": true, "ZZ": true}

// Player is the profile record keyed by the immutable Discord user ID.
type Player struct {
	ID          uint64
	Name        string
	BattleTag   string
	AltName1    string
	AltName2    string
	Country     string // ISO-3166 alpha-2, or XX/ZZ for private
	Region      string // residential region code, one of catalog.Regions
	AcceptedToS bool
	SetupDone   bool
	Activated   bool

	// AbortsLeft counts down from AbortQuotaPerMonth and resets on the
	// first abort of a new calendar month (AbortMonth tracks which month
	// the counter belongs to, formatted 2006-01).
	AbortsLeft int
	AbortMonth string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Set-once timestamps. The data layer enforces COALESCE semantics:
	// once non-zero they never change.
	AcceptedToSAt time.Time
	SetupDoneAt   time.Time
}

// RatingRow is one (player, race) skill record. MMR never goes below zero.
type RatingRow struct {
	PlayerID   uint64
	Race       Race
	MMR        int
	Games      int
	Wins       int
	Losses     int
	Draws      int
	LastPlayed time.Time
	CreatedAt  time.Time
}

// Preferences stores the player's last queue choices, replaced on every
// queue entry.
type Preferences struct {
	PlayerID uint64
	Races    []Race   // 1-2 entries
	Vetoes   []string // map names, at most 3
}

// ReportedResult is a player's self-reported outcome for a match.
type ReportedResult string

const (
	ReportWin   ReportedResult = "win"
	ReportLoss  ReportedResult = "loss"
	ReportDraw  ReportedResult = "draw"
	ReportAbort ReportedResult = "abort"
)

// MatchStatus is the terminal (or pending) state of a match row.
type MatchStatus string

const (
	StatusPending   MatchStatus = "pending"
	StatusP1Win     MatchStatus = "player_1_win"
	StatusP2Win     MatchStatus = "player_2_win"
	StatusDraw      MatchStatus = "draw"
	StatusAborted   MatchStatus = "aborted"
	StatusConflict  MatchStatus = "conflict"
	StatusTimedOut  MatchStatus = "timed_out"
)

// Terminal reports whether s is a final state. A match never mutates once
// its status leaves pending.
func (s MatchStatus) Terminal() bool { return s != StatusPending && s != "" }

// MatchSide holds the per-player half of a match row.
type MatchSide struct {
	PlayerID   uint64
	Race       Race
	ReplayHash string
	ReplayAt   time.Time
	Reported   ReportedResult // empty until the player reports
	MMRDelta   int
}

// Match is one scheduled 1v1, keyed by a monotonically increasing ID.
type Match struct {
	ID       int64
	P1       MatchSide
	P2       MatchSide
	Map      string
	Server   string
	Status   MatchStatus
	PlayedAt time.Time
}

// Side returns a pointer to the side for playerID, or nil if the player is
// not a participant.
func (m *Match) Side(playerID uint64) *MatchSide {
	switch playerID {
	case m.P1.PlayerID:
		return &m.P1
	case m.P2.PlayerID:
		return &m.P2
	}
	return nil
}

// Opponent returns the other participant's ID, or 0 if playerID is not a
// participant.
func (m *Match) Opponent(playerID uint64) uint64 {
	switch playerID {
	case m.P1.PlayerID:
		return m.P2.PlayerID
	case m.P2.PlayerID:
		return m.P1.PlayerID
	}
	return 0
}

// ReplayArtifact is one stored replay binary, keyed by SHA-256 content
// hash. Multiple matches referencing the same hash is a cheating signal,
// not a storage error.
type ReplayArtifact struct {
	Hash       string
	MatchID    int64
	UploaderID uint64
	UploadedAt time.Time
	Duration   time.Duration
	MapName    string // as reported by the game client
	StorageURL string // object-store URL, or file:// local fallback
}

// ActionSource tags who caused a profile mutation.
type ActionSource string

const (
	SourceUser   ActionSource = "user"
	SourceSystem ActionSource = "system"
)

// ActionLogEntry is one append-only audit row, one per mutated field.
type ActionLogEntry struct {
	PlayerID uint64
	Field    string
	OldValue string
	NewValue string
	At       time.Time
	Source   ActionSource
}

// Tier is a leaderboard percentile bucket.
type Tier string

const (
	TierS Tier = "S"
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
	TierE Tier = "E"
	TierF Tier = "F"
	TierU Tier = "U" // unranked: zero games played
)

// Tiers lists the ranked tiers from best to worst (excludes U).
var Tiers = []Tier{TierS, TierA, TierB, TierC, TierD, TierE, TierF}
