package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/evoladder/evoladder/internal/model"
)

// Timestamps are stored as ISO-8601 text; the zero time maps to the empty
// string.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtID(id uint64) string { return strconv.FormatUint(id, 10) }

func parseID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}

// UpsertPlayer inserts or updates a player row. The set-once columns
// accepted_tos_at and setup_done_at COALESCE to the existing value, so a
// later write can never clear or change them.
func (db *DB) UpsertPlayer(p model.Player) error {
	return db.exec(`
		INSERT INTO players(
			id, name, battle_tag, alt_name1, alt_name2, country, region,
			accepted_tos, setup_done, activated, aborts_left, abort_month,
			created_at, updated_at, accepted_tos_at, setup_done_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			battle_tag = excluded.battle_tag,
			alt_name1 = excluded.alt_name1,
			alt_name2 = excluded.alt_name2,
			country = excluded.country,
			region = excluded.region,
			accepted_tos = excluded.accepted_tos,
			setup_done = excluded.setup_done,
			activated = excluded.activated,
			aborts_left = excluded.aborts_left,
			abort_month = excluded.abort_month,
			updated_at = excluded.updated_at,
			accepted_tos_at = CASE WHEN players.accepted_tos_at = '' THEN excluded.accepted_tos_at ELSE players.accepted_tos_at END,
			setup_done_at   = CASE WHEN players.setup_done_at   = '' THEN excluded.setup_done_at   ELSE players.setup_done_at   END`,
		fmtID(p.ID), p.Name, p.BattleTag, p.AltName1, p.AltName2, p.Country, p.Region,
		boolInt(p.AcceptedToS), boolInt(p.SetupDone), boolInt(p.Activated),
		p.AbortsLeft, p.AbortMonth,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt), fmtTime(p.AcceptedToSAt), fmtTime(p.SetupDoneAt),
	)
}

// UpsertRating inserts or updates one (player, race) rating row.
func (db *DB) UpsertRating(r model.RatingRow) error {
	return db.exec(`
		INSERT INTO ratings(player_id, race, mmr, games, wins, losses, draws, last_played, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(player_id, race) DO UPDATE SET
			mmr = excluded.mmr,
			games = excluded.games,
			wins = excluded.wins,
			losses = excluded.losses,
			draws = excluded.draws,
			last_played = excluded.last_played`,
		fmtID(r.PlayerID), string(r.Race), r.MMR, r.Games, r.Wins, r.Losses, r.Draws,
		fmtTime(r.LastPlayed), fmtTime(r.CreatedAt),
	)
}

// UpsertPreferences replaces the player's last queue choices. Race and veto
// sets are serialized as JSON arrays.
func (db *DB) UpsertPreferences(p model.Preferences) error {
	races, err := json.Marshal(p.Races)
	if err != nil {
		return fmt.Errorf("marshal races: %w", err)
	}
	vetoes, err := json.Marshal(p.Vetoes)
	if err != nil {
		return fmt.Errorf("marshal vetoes: %w", err)
	}
	return db.exec(`
		INSERT INTO preferences(player_id, races, vetoes) VALUES (?,?,?)
		ON CONFLICT(player_id) DO UPDATE SET
			races = excluded.races,
			vetoes = excluded.vetoes`,
		fmtID(p.PlayerID), string(races), string(vetoes),
	)
}

// UpsertMatch writes a full match row, used both at creation and at every
// lifecycle transition.
func (db *DB) UpsertMatch(m model.Match) error {
	return db.exec(`
		INSERT INTO matches(
			id, p1_id, p1_race, p1_replay_hash, p1_replay_at, p1_reported, p1_delta,
			p2_id, p2_race, p2_replay_hash, p2_replay_at, p2_reported, p2_delta,
			map, server, status, played_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			p1_replay_hash = excluded.p1_replay_hash,
			p1_replay_at = excluded.p1_replay_at,
			p1_reported = excluded.p1_reported,
			p1_delta = excluded.p1_delta,
			p2_replay_hash = excluded.p2_replay_hash,
			p2_replay_at = excluded.p2_replay_at,
			p2_reported = excluded.p2_reported,
			p2_delta = excluded.p2_delta,
			status = excluded.status`,
		m.ID,
		fmtID(m.P1.PlayerID), string(m.P1.Race), m.P1.ReplayHash, fmtTime(m.P1.ReplayAt), string(m.P1.Reported), m.P1.MMRDelta,
		fmtID(m.P2.PlayerID), string(m.P2.Race), m.P2.ReplayHash, fmtTime(m.P2.ReplayAt), string(m.P2.Reported), m.P2.MMRDelta,
		m.Map, m.Server, string(m.Status), fmtTime(m.PlayedAt),
	)
}

// UpsertReplay stores one replay artifact row, keyed by content hash.
func (db *DB) UpsertReplay(a model.ReplayArtifact) error {
	return db.exec(`
		INSERT INTO replays(hash, match_id, uploader_id, uploaded_at, duration_ms, map_name, storage_url)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(hash) DO UPDATE SET
			storage_url = excluded.storage_url`,
		a.Hash, a.MatchID, fmtID(a.UploaderID), fmtTime(a.UploadedAt),
		a.Duration.Milliseconds(), a.MapName, a.StorageURL,
	)
}

// InsertActionLog appends one audit row. Analytics-grade: failures are
// logged by the write worker, never surfaced to users.
func (db *DB) InsertActionLog(e model.ActionLogEntry) error {
	return db.exec(`
		INSERT INTO action_log(player_id, field, old_value, new_value, at, source)
		VALUES (?,?,?,?,?,?)`,
		fmtID(e.PlayerID), e.Field, e.OldValue, e.NewValue, fmtTime(e.At), string(e.Source),
	)
}

// InsertCommandCall appends one command audit row.
func (db *DB) InsertCommandCall(playerID uint64, command string, at time.Time) error {
	return db.exec(`
		INSERT INTO command_calls(player_id, command, at) VALUES (?,?,?)`,
		fmtID(playerID), command, fmtTime(at),
	)
}
