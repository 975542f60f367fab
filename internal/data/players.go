package data

import (
	"sort"
	"time"

	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/model"
)

// GetPlayer returns a copy of the player, if known. O(1), never blocks.
func (s *Store) GetPlayer(id uint64) (model.Player, bool) {
	p, ok := s.frame.Load().players[id]
	if !ok {
		return model.Player{}, false
	}
	return *p, true
}

// EnsurePlayer returns the player, creating a minimal record on first
// interaction. The record starts with full abort quota and no flags set.
func (s *Store) EnsurePlayer(id uint64) model.Player {
	if p, ok := s.GetPlayer(id); ok {
		return p
	}
	var out model.Player
	s.mutate(func(f *frames) []writeJob {
		if p, ok := f.players[id]; ok {
			out = *p
			return nil
		}
		now := s.now()
		p := &model.Player{
			ID:         id,
			Country:    "XX",
			AbortsLeft: model.AbortQuotaPerMonth,
			AbortMonth: now.Format("2006-01"),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		f.players[id] = p
		out = *p
		j := newJob(writePlayer, false)
		j.Player = p
		return []writeJob{j}
	})
	return out
}

// SetupFields carries the /setup command payload.
type SetupFields struct {
	Name      string
	BattleTag string
	AltName1  string
	AltName2  string
	Country   string
	Region    string
}

// CompleteSetup applies a validated /setup submission. Every changed field
// produces one action-log row; the setup_done date is set exactly once.
func (s *Store) CompleteSetup(id uint64, in SetupFields) error {
	s.EnsurePlayer(id)
	var applyErr error
	s.mutate(func(f *frames) []writeJob {
		prev, ok := f.players[id]
		if !ok {
			applyErr = errs.NotFound("player %d", id)
			return nil
		}
		now := s.now()
		next := *prev
		next.Name = in.Name
		next.BattleTag = in.BattleTag
		next.AltName1 = in.AltName1
		next.AltName2 = in.AltName2
		next.Country = in.Country
		next.Region = in.Region
		next.SetupDone = true
		next.UpdatedAt = now
		if next.SetupDoneAt.IsZero() {
			next.SetupDoneAt = now
		}
		f.players[id] = &next

		jobs := []writeJob{playerJob(&next)}
		for _, d := range fieldDeltas(prev, &next) {
			jobs = append(jobs, actionJob(id, d.field, d.old, d.new, now))
		}
		return jobs
	})
	return applyErr
}

// AcceptToS marks the terms of service as accepted. The acceptance date
// is write-once.
func (s *Store) AcceptToS(id uint64) {
	s.EnsurePlayer(id)
	s.mutate(func(f *frames) []writeJob {
		prev := f.players[id]
		if prev.AcceptedToS {
			return nil
		}
		now := s.now()
		next := *prev
		next.AcceptedToS = true
		next.UpdatedAt = now
		if next.AcceptedToSAt.IsZero() {
			next.AcceptedToSAt = now
		}
		f.players[id] = &next
		return []writeJob{
			playerJob(&next),
			actionJob(id, "accepted_tos", "false", "true", now),
		}
	})
}

// Activate flips the activation flag. One-shot: re-activation is a no-op.
func (s *Store) Activate(id uint64) {
	s.EnsurePlayer(id)
	s.mutate(func(f *frames) []writeJob {
		prev := f.players[id]
		if prev.Activated {
			return nil
		}
		now := s.now()
		next := *prev
		next.Activated = true
		next.UpdatedAt = now
		f.players[id] = &next
		return []writeJob{
			playerJob(&next),
			actionJob(id, "activated", "false", "true", now),
		}
	})
}

// UpdateCountry changes the profile country and logs the delta.
func (s *Store) UpdateCountry(id uint64, code string) error {
	if _, ok := s.GetPlayer(id); !ok {
		return errs.NotFound("player %d", id)
	}
	s.mutate(func(f *frames) []writeJob {
		prev := f.players[id]
		if prev.Country == code {
			return nil
		}
		now := s.now()
		next := *prev
		next.Country = code
		next.UpdatedAt = now
		f.players[id] = &next
		return []writeJob{
			playerJob(&next),
			actionJob(id, "country", prev.Country, code, now),
		}
	})
	return nil
}

// LogCommand appends one command-call audit row. Analytics-grade.
func (s *Store) LogCommand(id uint64, command string) {
	j := newJob(writeCommandCall, false)
	j.Command = &commandCall{PlayerID: id, Command: command, At: s.now()}
	s.enqueue(j)
}

// GetRatings returns every rating row for a player, canonical race order.
func (s *Store) GetRatings(id uint64) []model.RatingRow {
	inner := s.frame.Load().ratings[id]
	if len(inner) == 0 {
		return nil
	}
	out := make([]model.RatingRow, 0, len(inner))
	for _, race := range model.Races {
		if row, ok := inner[race]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// GetRating returns the rating row for (player, race), if it exists.
func (s *Store) GetRating(id uint64, race model.Race) (model.RatingRow, bool) {
	row, ok := s.frame.Load().ratings[id][race]
	if !ok {
		return model.RatingRow{}, false
	}
	return *row, true
}

// AllRatings returns a copy of every rating row in the frame, used by the
// leaderboard refresh. Rows come back in creation order; (player, race)
// disambiguates rows created in the same instant.
func (s *Store) AllRatings() []model.RatingRow {
	f := s.frame.Load()
	var out []model.RatingRow
	for _, inner := range f.ratings {
		for _, row := range inner {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].PlayerID != out[j].PlayerID {
			return out[i].PlayerID < out[j].PlayerID
		}
		return out[i].Race < out[j].Race
	})
	return out
}

// PlayerCountry returns the player's country code, for leaderboard
// filtering.
func (s *Store) PlayerCountry(id uint64) string {
	if p, ok := s.frame.Load().players[id]; ok {
		return p.Country
	}
	return ""
}

// PlayerName returns the display name, or the numeric ID when the player
// never finished setup.
func (s *Store) PlayerName(id uint64) string {
	if p, ok := s.frame.Load().players[id]; ok && p.Name != "" {
		return p.Name
	}
	return ""
}

// SetPreferences replaces the player's saved queue choices.
func (s *Store) SetPreferences(id uint64, races []model.Race, vetoes []string) {
	s.EnsurePlayer(id)
	s.mutate(func(f *frames) []writeJob {
		p := &model.Preferences{PlayerID: id, Races: races, Vetoes: vetoes}
		f.prefs[id] = p
		j := newJob(writePrefs, false)
		j.Prefs = p
		return []writeJob{j}
	})
}

// GetPreferences returns the player's last queue choices, if any.
func (s *Store) GetPreferences(id uint64) (model.Preferences, bool) {
	p, ok := s.frame.Load().prefs[id]
	if !ok {
		return model.Preferences{}, false
	}
	return *p, true
}

type delta struct{ field, old, new string }

func fieldDeltas(prev, next *model.Player) []delta {
	var out []delta
	add := func(field, old, new string) {
		if old != new {
			out = append(out, delta{field, old, new})
		}
	}
	add("name", prev.Name, next.Name)
	add("battle_tag", prev.BattleTag, next.BattleTag)
	add("alt_name1", prev.AltName1, next.AltName1)
	add("alt_name2", prev.AltName2, next.AltName2)
	add("country", prev.Country, next.Country)
	add("region", prev.Region, next.Region)
	return out
}

func playerJob(p *model.Player) writeJob {
	j := newJob(writePlayer, false)
	j.Player = p
	return j
}

func actionJob(id uint64, field, old, new string, at time.Time) writeJob {
	j := newJob(writeActionLog, false)
	j.Action = &model.ActionLogEntry{
		PlayerID: id, Field: field, OldValue: old, NewValue: new,
		At: at, Source: model.SourceUser,
	}
	return j
}
