package sqlstore

import (
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/evoladder/evoladder/internal/model"
)

// Hydration queries: run once at startup to rebuild the in-memory frames.

// LoadPlayers returns every stored player.
func (db *DB) LoadPlayers() ([]model.Player, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, battle_tag, alt_name1, alt_name2, country, region,
		       accepted_tos, setup_done, activated, aborts_left, abort_month,
		       created_at, updated_at, accepted_tos_at, setup_done_at
		FROM players`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		var p model.Player
		var id, created, updated, tosAt, setupAt string
		var tos, setup, activated int
		if err := rows.Scan(&id, &p.Name, &p.BattleTag, &p.AltName1, &p.AltName2,
			&p.Country, &p.Region, &tos, &setup, &activated,
			&p.AbortsLeft, &p.AbortMonth, &created, &updated, &tosAt, &setupAt); err != nil {
			return nil, err
		}
		p.ID = parseID(id)
		p.AcceptedToS = tos != 0
		p.SetupDone = setup != 0
		p.Activated = activated != 0
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		p.AcceptedToSAt = parseTime(tosAt)
		p.SetupDoneAt = parseTime(setupAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadRatings returns every stored rating row.
func (db *DB) LoadRatings() ([]model.RatingRow, error) {
	rows, err := db.conn.Query(`
		SELECT player_id, race, mmr, games, wins, losses, draws, last_played, created_at
		FROM ratings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RatingRow
	for rows.Next() {
		var r model.RatingRow
		var id, race, lastPlayed, created string
		if err := rows.Scan(&id, &race, &r.MMR, &r.Games, &r.Wins, &r.Losses,
			&r.Draws, &lastPlayed, &created); err != nil {
			return nil, err
		}
		r.PlayerID = parseID(id)
		r.Race = model.Race(race)
		r.LastPlayed = parseTime(lastPlayed)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadPreferences returns every stored preference row.
func (db *DB) LoadPreferences() ([]model.Preferences, error) {
	rows, err := db.conn.Query(`SELECT player_id, races, vetoes FROM preferences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Preferences
	for rows.Next() {
		var p model.Preferences
		var id, races, vetoes string
		if err := rows.Scan(&id, &races, &vetoes); err != nil {
			return nil, err
		}
		p.PlayerID = parseID(id)
		if err := json.Unmarshal([]byte(races), &p.Races); err != nil {
			p.Races = nil
		}
		if err := json.Unmarshal([]byte(vetoes), &p.Vetoes); err != nil {
			p.Vetoes = nil
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadOpenMatches returns matches still in the pending state. Terminal
// matches are immutable and are not hydrated into the hot frame.
func (db *DB) LoadOpenMatches() ([]model.Match, error) {
	rows, err := db.conn.Query(`
		SELECT id, p1_id, p1_race, p1_replay_hash, p1_replay_at, p1_reported, p1_delta,
		       p2_id, p2_race, p2_replay_hash, p2_replay_at, p2_reported, p2_delta,
		       map, server, status, played_at
		FROM matches WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMatch(rows *sql.Rows) (model.Match, error) {
	var m model.Match
	var p1ID, p1Race, p1At, p1Rep string
	var p2ID, p2Race, p2At, p2Rep string
	var status, playedAt string
	err := rows.Scan(&m.ID,
		&p1ID, &p1Race, &m.P1.ReplayHash, &p1At, &p1Rep, &m.P1.MMRDelta,
		&p2ID, &p2Race, &m.P2.ReplayHash, &p2At, &p2Rep, &m.P2.MMRDelta,
		&m.Map, &m.Server, &status, &playedAt)
	if err != nil {
		return m, err
	}
	m.P1.PlayerID = parseID(p1ID)
	m.P1.Race = model.Race(p1Race)
	m.P1.ReplayAt = parseTime(p1At)
	m.P1.Reported = model.ReportedResult(p1Rep)
	m.P2.PlayerID = parseID(p2ID)
	m.P2.Race = model.Race(p2Race)
	m.P2.ReplayAt = parseTime(p2At)
	m.P2.Reported = model.ReportedResult(p2Rep)
	m.Status = model.MatchStatus(status)
	m.PlayedAt = parseTime(playedAt)
	return m, nil
}

// MaxMatchID returns the highest match ID ever issued, so the data layer
// can resume its monotonic counter after a restart.
func (db *DB) MaxMatchID() (int64, error) {
	var id sql.NullInt64
	if err := db.conn.QueryRow(`SELECT MAX(id) FROM matches`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LoadReplayIndex returns hash → match ID for every stored replay, used
// for cross-match duplicate detection.
func (db *DB) LoadReplayIndex() (map[string]int64, error) {
	rows, err := db.conn.Query(`SELECT hash, match_id FROM replays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var hash string
		var matchID int64
		if err := rows.Scan(&hash, &matchID); err != nil {
			return nil, err
		}
		out[hash] = matchID
	}
	return out, rows.Err()
}

// ActionLogFor returns the audit rows for one player, newest first.
func (db *DB) ActionLogFor(playerID uint64, limit int) ([]model.ActionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(db.rebind(`
		SELECT player_id, field, old_value, new_value, at, source
		FROM action_log WHERE player_id = ? ORDER BY id DESC LIMIT `+strconv.Itoa(limit)),
		fmtID(playerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActionLogEntry
	for rows.Next() {
		var e model.ActionLogEntry
		var id, at, source string
		if err := rows.Scan(&id, &e.Field, &e.OldValue, &e.NewValue, &at, &source); err != nil {
			return nil, err
		}
		e.PlayerID = parseID(id)
		e.At = parseTime(at)
		e.Source = model.ActionSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}
